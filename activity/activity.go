package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Phase string

const (
	PhaseCreating  Phase = "creating"
	PhaseLaunching Phase = "launching"
	PhaseOperating Phase = "operating"
	PhaseCompleted Phase = "completed"
)

// Active reports whether a node in this phase may still own a server.
func (p Phase) Active() bool {
	return p == PhaseCreating || p == PhaseLaunching || p == PhaseOperating
}

type Activity struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	Account     string    `json:"account"`
	Class       string    `json:"class"`
	Phase       Phase     `json:"phase"`
	Started     time.Time `json:"started"`
	Updated     time.Time `json:"updated"`
	Error       string    `json:"error,omitempty"`
}

// Tracker records the lifecycle phases of every node provisioned by this controller.
// Completed activities are kept in a bounded history so that scopes can still be resolved.
type Tracker struct {
	mu         sync.RWMutex
	activities map[string]*Activity
	completed  []string
	limit      int
	observers  []func(Activity)

	now func() time.Time
}

func NewTracker(limit int) *Tracker {
	return &Tracker{
		activities: map[string]*Activity{},
		limit:      limit,
		now:        time.Now,
	}
}

func NewFingerprint() string {
	return uuid.NewString()
}

// Observe registers a callback invoked on every phase change, outside of the tracker lock.
func (t *Tracker) Observe(f func(Activity)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, f)
}

// Start opens a new activity in the creating phase and returns its fingerprint.
func (t *Tracker) Start(name, account, class string) string {
	fingerprint := NewFingerprint()
	now := t.now()

	t.mu.Lock()
	activity := &Activity{
		Fingerprint: fingerprint,
		Name:        name,
		Account:     account,
		Class:       class,
		Phase:       PhaseCreating,
		Started:     now,
		Updated:     now,
	}
	t.activities[fingerprint] = activity
	snapshot, observers := *activity, t.observers
	t.mu.Unlock()

	t.notify(observers, snapshot)
	return fingerprint
}

func (t *Tracker) Launching(fingerprint string) error {
	return t.transition(fingerprint, PhaseLaunching, nil)
}

func (t *Tracker) Operating(fingerprint string) error {
	return t.transition(fingerprint, PhaseOperating, nil)
}

func (t *Tracker) Complete(fingerprint string) error {
	return t.transition(fingerprint, PhaseCompleted, nil)
}

func (t *Tracker) Fail(fingerprint string, cause error) error {
	return t.transition(fingerprint, PhaseCompleted, cause)
}

func (t *Tracker) Get(fingerprint string) (Activity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	activity, ok := t.activities[fingerprint]
	if !ok {
		return Activity{}, false
	}
	return *activity, true
}

func (t *Tracker) Phase(fingerprint string) (Phase, bool) {
	activity, ok := t.Get(fingerprint)
	return activity.Phase, ok
}

// NameInUse reports whether a node name is held by an activity that has not completed yet.
func (t *Tracker) NameInUse(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, activity := range t.activities {
		if activity.Name == name && activity.Phase.Active() {
			return true
		}
	}
	return false
}

func (t *Tracker) List() []Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.MapToSlice(t.activities, func(_ string, a *Activity) Activity { return *a })
}

func (t *Tracker) transition(fingerprint string, phase Phase, cause error) error {
	t.mu.Lock()
	activity, ok := t.activities[fingerprint]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown activity '%s'", fingerprint)
	}
	if activity.Phase == PhaseCompleted {
		t.mu.Unlock()
		return nil
	}

	activity.Phase = phase
	activity.Updated = t.now()
	if cause != nil {
		activity.Error = cause.Error()
	}
	if phase == PhaseCompleted {
		t.completed = append(t.completed, fingerprint)
		for t.limit > 0 && len(t.completed) > t.limit {
			delete(t.activities, t.completed[0])
			t.completed = t.completed[1:]
		}
	}
	snapshot, observers := *activity, t.observers
	t.mu.Unlock()

	t.notify(observers, snapshot)
	return nil
}

func (t *Tracker) notify(observers []func(Activity), activity Activity) {
	for _, observer := range observers {
		observer(activity)
	}
}
