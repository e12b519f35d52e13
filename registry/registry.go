package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Interrupter aborts the work running on a node, as the orchestrator would do for its executors.
type Interrupter interface {
	Interrupt(node *Node, cause string)
}

type InterrupterFunc func(node *Node, cause string)

func (f InterrupterFunc) Interrupt(node *Node, cause string) { f(node, cause) }

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

type Change struct {
	Kind  ChangeKind
	State State
}

type Config struct {
	Store       Store        `json:"-"`
	Interrupter Interrupter  `json:"-"`
	Logger      *slog.Logger `json:"-"`
}

// Registry is the single owner of the managed nodes.
// The map is guarded by a RWMutex; node state is guarded by each node.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	observers []func(Change)

	store       Store
	interrupter Interrupter
	log         *slog.Logger
}

func New(config Config) *Registry {
	r := &Registry{
		nodes:       map[string]*Node{},
		store:       config.Store,
		interrupter: config.Interrupter,
		log:         config.Logger,
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// Restore loads the nodes persisted by a previous run of the controller.
func (r *Registry) Restore() (int, error) {
	states, err := r.store.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load nodes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range states {
		node := nodeFromState(state)
		node.onChange = r.changed
		r.nodes[node.name] = node
	}
	return len(states), nil
}

// Observe registers a callback invoked on every node change.
func (r *Registry) Observe(f func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, f)
}

func (r *Registry) Add(node *Node) error {
	r.mu.Lock()
	if _, exists := r.nodes[node.name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("node '%s' is already registered", node.name)
	}
	node.onChange = r.changed
	r.nodes[node.name] = node
	r.mu.Unlock()

	r.persist(node, ChangeAdded)
	return nil
}

// Remove unregisters a node. It returns false when the node was already gone.
func (r *Registry) Remove(name string) (*Node, bool) {
	r.mu.Lock()
	node, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	node.mu.Lock()
	node.onChange = nil
	node.mu.Unlock()
	close(node.removed)

	if err := r.store.Delete(name); err != nil {
		r.log.Warn("Failed to delete node from store", "node", name, "error", err)
	}
	r.notify(Change{Kind: ChangeRemoved, State: node.State()})
	return node, true
}

func (r *Registry) Get(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[name]
	return node, ok
}

// List returns all nodes sorted by name.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	nodes := lo.Values(r.nodes)
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].name < nodes[j].name })
	return nodes
}

func (r *Registry) ForAccount(account string) []*Node {
	return lo.Filter(r.List(), func(n *Node, _ int) bool { return n.account == account })
}

func (r *Registry) ForClass(account, class string) []*Node {
	return lo.Filter(r.List(), func(n *Node, _ int) bool { return n.account == account && n.class == class })
}

func (r *Registry) ByServerID(serverID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.serverID == serverID {
			return node, true
		}
	}
	return nil, false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Fingerprint returns the provisioning fingerprint of a registered node.
func (r *Registry) Fingerprint(name string) (string, bool) {
	node, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return node.fingerprint, true
}

// Interrupt aborts the running work of a node and records the cause.
func (r *Registry) Interrupt(node *Node, cause string) {
	node.markInterrupted(cause)
	if r.interrupter != nil {
		r.interrupter.Interrupt(node, cause)
	}
}

func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) changed(node *Node) {
	if current, ok := r.Get(node.name); !ok || current != node {
		return
	}
	r.persist(node, ChangeUpdated)
}

func (r *Registry) persist(node *Node, kind ChangeKind) {
	state := node.State()
	if err := r.store.Save(state); err != nil {
		r.log.Warn("Failed to persist node", "node", state.Name, "error", err)
	}
	r.notify(Change{Kind: kind, State: state})
}

func (r *Registry) notify(change Change) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, observer := range observers {
		observer(change)
	}
}
