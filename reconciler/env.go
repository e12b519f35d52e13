package reconciler

import (
	"time"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scope"
)

// RunChecker tells whether an orchestrator run is still going on.
type RunChecker interface {
	Active(project string, number int) bool
}

// env exposes the controller state to scope evaluation.
type env struct {
	registry   *registry.Registry
	activities *activity.Tracker
	runs       RunChecker
	clock      func() time.Time
}

var _ scope.Env = (*env)(nil)

func (e *env) LocalNode(name string) (string, bool) {
	return e.registry.Fingerprint(name)
}

func (e *env) ActivityPhase(fingerprint string) (activity.Phase, bool) {
	if e.activities == nil {
		return "", false
	}
	return e.activities.Phase(fingerprint)
}

func (e *env) RunActive(project string, number int) bool {
	return e.runs != nil && e.runs.Active(project, number)
}

func (e *env) Now() time.Time {
	return e.clock()
}
