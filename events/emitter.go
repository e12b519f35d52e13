// Package events turns controller changes into messages published on a broker.
package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/reconciler"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/google/uuid"
)

const DefaultPrefix = "cumulus"

const (
	KindNodeAdded         = "node.added"
	KindNodeRemoved       = "node.removed"
	KindNodePendingDelete = "node.pending-delete"
	KindNodeOffline       = "node.offline"
	KindNodeOnline        = "node.online"
	KindNodeInterrupt     = "node.interrupt"
	KindActivity          = "activity"
	KindPlanned           = "scheduler.planned"
	KindCapReached        = "scheduler.cap-reached"
	KindProvisioned       = "scheduler.provisioned"
	KindProvisioningFail  = "scheduler.failed"
	KindSweep             = "reconciler.sweep"
)

// Event is the envelope of every published message.
type Event struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Account string    `json:"account,omitempty"`
	Data    any       `json:"data,omitempty"`
}

type Config struct {
	Logger *slog.Logger     `json:"-"`
	Clock  func() time.Time `json:"-"`
	Prefix string           `json:"prefix"`
}

// Emitter publishes controller changes as events on "<prefix>.<kind>" subjects.
// It also relays executor interruptions to the orchestrator agents listening on the broker.
type Emitter struct {
	publisher Publisher
	config    Config
	log       *slog.Logger

	mu    sync.Mutex
	nodes map[string]registry.State
}

func NewEmitter(publisher Publisher, config Config) *Emitter {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	return &Emitter{
		publisher: publisher,
		config:    config,
		log:       config.Logger,
		nodes:     map[string]registry.State{},
	}
}

// Emit publishes one event. Publishing failures are logged, never returned.
func (e *Emitter) Emit(ctx context.Context, kind, account string, data any) {
	event := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    e.config.Clock(),
		Account: account,
		Data:    data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.log.Error("Failed to encode event", "kind", kind, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, e.config.Prefix+"."+kind, payload); err != nil {
		e.log.Warn("Failed to publish event", "kind", kind, "error", err)
	}
}

// Emitter implements registry.Interrupter
var _ registry.Interrupter = (*Emitter)(nil)

type interruption struct {
	Node    string `json:"node"`
	Server  string `json:"server-id,omitempty"`
	Address string `json:"address,omitempty"`
	Cause   string `json:"cause"`
}

func (e *Emitter) Interrupt(node *registry.Node, cause string) {
	e.Emit(context.Background(), KindNodeInterrupt, node.Account(), interruption{
		Node:    node.Name(),
		Server:  node.ServerID(),
		Address: node.Address(),
		Cause:   cause,
	})
}

// WatchRegistry publishes node registrations, removals and state transitions.
func (e *Emitter) WatchRegistry(nodes *registry.Registry) {
	nodes.Observe(func(change registry.Change) {
		for _, kind := range e.transitions(change) {
			e.Emit(context.Background(), kind, change.State.Account, change.State)
		}
	})
}

func (e *Emitter) transitions(change registry.Change) []string {
	state := change.State

	e.mu.Lock()
	defer e.mu.Unlock()

	previous, known := e.nodes[state.Name]
	switch change.Kind {
	case registry.ChangeAdded:
		e.nodes[state.Name] = state
		return []string{KindNodeAdded}
	case registry.ChangeRemoved:
		delete(e.nodes, state.Name)
		return []string{KindNodeRemoved}
	}

	e.nodes[state.Name] = state
	var kinds []string
	if state.PendingDelete && (!known || !previous.PendingDelete) {
		kinds = append(kinds, KindNodePendingDelete)
	}
	if known && state.Offline != previous.Offline {
		if state.Offline == registry.CauseNone {
			kinds = append(kinds, KindNodeOnline)
		} else {
			kinds = append(kinds, KindNodeOffline)
		}
	}
	return kinds
}

// WatchActivities publishes every phase change of a provisioning activity.
func (e *Emitter) WatchActivities(tracker *activity.Tracker) {
	tracker.Observe(func(a activity.Activity) {
		e.Emit(context.Background(), KindActivity+"."+string(a.Phase), a.Account, a)
	})
}

// WatchScheduler publishes scheduler events until ctx is done.
func (e *Emitter) WatchScheduler(ctx context.Context, s *scheduler.Scheduler) {
	events, unsubscribe := s.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				e.emitScheduler(ctx, event)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Emitter) emitScheduler(ctx context.Context, event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventNodePlanned:
		e.Emit(ctx, KindPlanned, event.Account, event)
	case scheduler.EventCapReached:
		e.Emit(ctx, KindCapReached, event.Account, event)
	case scheduler.EventNodeProvisioned:
		e.Emit(ctx, KindProvisioned, event.Account, event)
	case scheduler.EventProvisioningFailed:
		e.Emit(ctx, KindProvisioningFail, event.Account, event)
	}
}

// Report publishes the outcome of a reconciliation pass.
func (e *Emitter) Report(report reconciler.Report) {
	e.Emit(context.Background(), KindSweep, report.Account, report)
}
