package launcher

import (
	"context"
	"sync"
)

// Agent waits for the node to call back the controller, the way inbound agents do.
type Agent struct {
	mu        sync.Mutex
	checkedIn map[string]bool
}

var _ Launcher = (*Agent)(nil)

func NewAgent() *Agent {
	return &Agent{checkedIn: map[string]bool{}}
}

// CheckIn records that the agent of a node connected.
func (a *Agent) CheckIn(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkedIn[name] = true
}

func (a *Agent) StillWaitingFor(_ context.Context, target Target) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.checkedIn[target.Name] {
		return "agent to connect back", nil
	}
	return "", nil
}

func (a *Agent) Connect(_ context.Context, target Target) (Transport, error) {
	return &agentTransport{agent: a, name: target.Name}, nil
}

type agentTransport struct {
	agent *Agent
	name  string
}

func (t *agentTransport) Close() error {
	t.agent.mu.Lock()
	defer t.agent.mu.Unlock()
	delete(t.agent.checkedIn, t.name)
	return nil
}
