package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// Store persists node states so that the registry survives controller restarts.
type Store interface {
	Save(state State) error
	Delete(name string) error
	Load() ([]State, error)
	Close() error
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]State{}}
}

func (s *MemoryStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Name] = state
	return nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	return nil
}

func (s *MemoryStore) Load() ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.states), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

const nodeKeyPrefix = "node:"

type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open node store at '%s': %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(name string) []byte {
	return []byte(nodeKeyPrefix + name)
}

func (s *BadgerStore) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode node '%s': %w", state.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(state.Name), data)
	})
}

func (s *BadgerStore) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(name))
	})
}

func (s *BadgerStore) Load() ([]State, error) {
	var states []State
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(nodeKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var state State
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &state)
			}); err != nil {
				return fmt.Errorf("failed to decode '%s': %w", it.Item().Key(), err)
			}
			states = append(states, state)
		}
		return nil
	})
	return states, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
