package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/cumulus/registry"
)

// FloorKeeper tells whether a node is still needed to meet the standing floor of its class.
type FloorKeeper interface {
	NeededReady(node *registry.Node) bool
}

// Retention marks idle nodes for deletion once their retention time is over.
type Retention struct {
	registry *registry.Registry
	floor    FloorKeeper
	config   Config
	log      *slog.Logger

	mu       sync.Mutex
	watching map[*registry.Node]struct{}
}

func NewRetention(nodes *registry.Registry, floor FloorKeeper, config Config) *Retention {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = time.Minute
	}
	return &Retention{
		registry: nodes,
		floor:    floor,
		config:   config,
		log:      config.Logger,
		watching: map[*registry.Node]struct{}{},
	}
}

// Check runs one retention decision for node and reports whether it was marked pending-delete.
func (r *Retention) Check(node *registry.Node) bool {
	if r.config.RetentionDisabled {
		return false
	}
	if !node.TryLockRetention() {
		r.log.Info("Failed to acquire retention lock, skipping", "node", node.Name())
		return false
	}
	defer node.UnlockRetention()

	if node.IsPendingDelete() || node.IsConnecting() {
		return false
	}
	if !node.IsIdle() || node.IsUserOffline() {
		return false
	}

	retention := node.Options().GetRetentionTime()
	switch {
	case retention < 0:
		return false
	case retention == 0:
		// Single-use nodes go as soon as they ran something
		if node.TasksExecuted() == 0 {
			return false
		}
	default:
		idleSince := node.IdleSince()
		if r.config.Clock().Sub(idleSince) <= time.Duration(retention)*time.Minute {
			return false
		}
		if r.floor != nil && r.floor.NeededReady(node) {
			r.log.Debug("Keeping node to meet the standing floor", "node", node.Name())
			return false
		}
		r.log.Info("Scheduling node for termination", "node", node.Name(), "retention", retention, "idleSince", idleSince)
	}

	node.SetPendingDelete(true)
	return true
}

// Watch checks node on every retention interval until it is removed or ctx is done.
func (r *Retention) Watch(ctx context.Context, node *registry.Node) {
	r.mu.Lock()
	if _, ok := r.watching[node]; ok {
		r.mu.Unlock()
		return
	}
	r.watching[node] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.watching, node)
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Check(node)
		case <-node.Removed():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Start watches every registered node and every node registered later.
func (r *Retention) Start(ctx context.Context) {
	r.registry.Observe(func(change registry.Change) {
		if change.Kind != registry.ChangeAdded {
			return
		}
		if node, ok := r.registry.Get(change.State.Name); ok {
			go r.Watch(ctx, node)
		}
	})
	for _, node := range r.registry.List() {
		go r.Watch(ctx, node)
	}
}

// Watching returns the number of nodes with a running retention timer.
func (r *Retention) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watching)
}
