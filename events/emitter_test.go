package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/cloud/cloudtest"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/reconciler"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	event   Event
}

type recorder struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (r *recorder) Publish(_ context.Context, subject string, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message{subject: subject, event: event})
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.messages, func(m message, _ int) string { return m.subject })
}

func newTestEmitter(r *recorder) *Emitter {
	return NewEmitter(r, Config{Prefix: "ci"})
}

func TestEmitWrapsPayload(t *testing.T) {
	r := &recorder{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEmitter(r, Config{Clock: func() time.Time { return now }})

	e.Emit(context.Background(), "custom", "acme", map[string]int{"count": 2})

	require.Len(t, r.messages, 1)
	m := r.messages[0]
	assert.Equal(t, "cumulus.custom", m.subject)
	assert.Equal(t, "custom", m.event.Kind)
	assert.Equal(t, "acme", m.event.Account)
	assert.True(t, now.Equal(m.event.Time))
	assert.NotEmpty(t, m.event.ID)
	assert.Equal(t, map[string]any{"count": float64(2)}, m.event.Data)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	r := &recorder{err: errors.New("broker down")}
	e := newTestEmitter(r)

	assert.NotPanics(t, func() { e.Emit(context.Background(), "custom", "", nil) })
}

func TestWatchRegistryPublishesTransitions(t *testing.T) {
	r := &recorder{}
	e := newTestEmitter(r)
	nodes := registry.New(registry.Config{})
	e.WatchRegistry(nodes)

	node := registry.NewNode(registry.NodeConfig{Name: "linux-1", Account: "acme", Options: options.Defaults()})
	require.NoError(t, nodes.Add(node))
	require.NoError(t, node.TaskStarted())
	require.NoError(t, node.TaskCompleted())
	node.SetOffline(registry.CauseUser, "maintenance")
	node.SetOffline(registry.CauseNone, "")
	node.SetPendingDelete(true)
	node.SetPendingDelete(true)
	nodes.Remove("linux-1")

	assert.Equal(t, []string{
		"ci.node.added",
		"ci.node.offline",
		"ci.node.online",
		"ci.node.pending-delete",
		"ci.node.removed",
	}, r.subjects())
	assert.Equal(t, "acme", r.messages[0].event.Account)
}

func TestInterruptPublishesCause(t *testing.T) {
	r := &recorder{}
	e := newTestEmitter(r)
	nodes := registry.New(registry.Config{Interrupter: e})

	node := registry.NewNode(registry.NodeConfig{Name: "linux-1", Account: "acme", ServerID: "srv-1"})
	require.NoError(t, nodes.Add(node))
	nodes.Interrupt(node, "server gone")

	require.Len(t, r.messages, 1)
	m := r.messages[0]
	assert.Equal(t, "ci.node.interrupt", m.subject)
	assert.Equal(t, map[string]any{"node": "linux-1", "server-id": "srv-1", "cause": "server gone"}, m.event.Data)
}

func TestWatchActivitiesPublishesPhases(t *testing.T) {
	r := &recorder{}
	e := newTestEmitter(r)
	tracker := activity.NewTracker(10)
	e.WatchActivities(tracker)

	fp := tracker.Start("linux-1", "acme", "linux")
	require.NoError(t, tracker.Launching(fp))
	require.NoError(t, tracker.Fail(fp, errors.New("boom")))

	assert.Equal(t, []string{"ci.activity.creating", "ci.activity.launching", "ci.activity.completed"}, r.subjects())
}

type failingProvisioner struct {
	connector *cloudtest.Connector
}

func (p *failingProvisioner) Client(ctx context.Context, acc *account.Account) (cloud.Client, error) {
	return p.connector.Connect(ctx, acc.Endpoint)
}

func (p *failingProvisioner) ProvisionNode(context.Context, *account.Account, *account.Class, options.Options) (*registry.Node, error) {
	return nil, errors.New("no capacity")
}

func TestWatchSchedulerPublishesOutcomes(t *testing.T) {
	r := &recorder{}
	e := newTestEmitter(r)

	config := scheduler.DefaultConfig()
	config.ManualWait = time.Second
	s := scheduler.New(&failingProvisioner{connector: cloudtest.NewConnector()}, registry.New(registry.Config{}), config)
	defer s.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.WatchScheduler(ctx, s)

	acc := &account.Account{
		Name:     "acme",
		Endpoint: cloud.Endpoint{Name: "acme"},
		Classes:  []*account.Class{{Name: "linux", Labels: []string{"linux"}}},
	}
	_, err := s.ProvisionManually(ctx, acc, "linux", options.Options{})
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return lo.Contains(r.subjects(), "ci.scheduler.failed")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReportPublishesSweep(t *testing.T) {
	r := &recorder{}
	e := newTestEmitter(r)

	e.Report(reconciler.Report{Account: "acme", Orphans: []string{"linux-1"}})

	require.Len(t, r.messages, 1)
	assert.Equal(t, "ci.reconciler.sweep", r.messages[0].subject)
	assert.Equal(t, "acme", r.messages[0].event.Account)
}

func TestNATSPublisherFailsWithoutServer(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "cumulus-test", nil)
	assert.ErrorContains(t, err, "failed to connect to nats")
}
