// Package runs tracks the orchestrator runs that servers can be scoped to.
package runs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

var ErrUnknownRun = errors.New("unknown run")

// Run is one execution of a project. A run stays active until its log is finalized.
type Run struct {
	Project  string    `json:"project"`
	Number   int       `json:"number"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
}

func (r Run) Active() bool {
	return r.Finished.IsZero()
}

func (r Run) key() string {
	return fmt.Sprintf("%s:%d", r.Project, r.Number)
}

type Tracker struct {
	mu    sync.RWMutex
	runs  map[string]Run
	store Store
	now   func() time.Time
}

// NewTracker loads the runs persisted in store.
func NewTracker(store Store) (*Tracker, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	saved, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	return &Tracker{
		runs:  lo.SliceToMap(saved, func(r Run) (string, Run) { return r.key(), r }),
		store: store,
		now:   time.Now,
	}, nil
}

// Start records a run. Starting a known run again reopens it.
func (t *Tracker) Start(project string, number int) (Run, error) {
	run := Run{Project: project, Number: number, Started: t.now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Save(run); err != nil {
		return Run{}, fmt.Errorf("failed to save run '%s': %w", run.key(), err)
	}
	t.runs[run.key()] = run
	return run, nil
}

// Finish marks the log of a run as finalized. Servers scoped to it become disposable.
func (t *Tracker) Finish(project string, number int) (Run, error) {
	key := Run{Project: project, Number: number}.key()

	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[key]
	if !ok {
		return Run{}, fmt.Errorf("%w '%s'", ErrUnknownRun, key)
	}
	if !run.Active() {
		return run, nil
	}
	run.Finished = t.now()
	if err := t.store.Save(run); err != nil {
		return Run{}, fmt.Errorf("failed to save run '%s': %w", key, err)
	}
	t.runs[key] = run
	return run, nil
}

// Active reports whether the run exists and its log is not finalized yet.
func (t *Tracker) Active(project string, number int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[Run{Project: project, Number: number}.key()]
	return ok && run.Active()
}

func (t *Tracker) Get(project string, number int) (Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[Run{Project: project, Number: number}.key()]
	return run, ok
}

func (t *Tracker) List() []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := lo.Values(t.runs)
	sort.Slice(list, func(i, j int) bool {
		if list[i].Project != list[j].Project {
			return list[i].Project < list[j].Project
		}
		return list[i].Number < list[j].Number
	})
	return list
}

// Prune forgets runs finished for longer than age and returns how many were dropped.
func (t *Tracker) Prune(age time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-age)
	pruned := 0
	for key, run := range t.runs {
		if run.Active() || run.Finished.After(cutoff) {
			continue
		}
		if err := t.store.Delete(run); err != nil {
			return pruned, fmt.Errorf("failed to delete run '%s': %w", key, err)
		}
		delete(t.runs, key)
		pruned++
	}
	return pruned, nil
}
