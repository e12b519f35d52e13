package runs

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

type Store interface {
	Save(run Run) error
	Delete(run Run) error
	Load() ([]Run, error)
	Close() error
}

type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]Run{}}
}

func (s *MemoryStore) Save(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.key()] = run
	return nil
}

func (s *MemoryStore) Delete(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, run.key())
	return nil
}

func (s *MemoryStore) Load() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.runs), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

const runKeyPrefix = "run:"

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
		return nil, fmt.Errorf("failed to open run store at '%s': %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func runKey(run Run) []byte {
	return []byte(runKeyPrefix + run.key())
}

func (s *BadgerStore) Save(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run '%s': %w", run.key(), err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run), data)
	})
}

func (s *BadgerStore) Delete(run Run) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(run))
	})
}

func (s *BadgerStore) Load() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run Run
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &run)
			}); err != nil {
				return fmt.Errorf("failed to decode '%s': %w", it.Item().Key(), err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	return runs, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
