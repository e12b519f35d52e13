package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/cloud/cloudtest"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/registry"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockProvisioner boots a server on the fake provider and registers a node for it.
type mockProvisioner struct {
	connector *cloudtest.Connector
	registry  *registry.Registry

	// gate, when set, holds every provisioning until it is closed
	gate          chan struct{}
	provisionFunc func(class *account.Class) error

	mu         sync.Mutex
	provisions []string
	counter    int
}

func newMockProvisioner(nodes *registry.Registry) *mockProvisioner {
	return &mockProvisioner{
		connector: cloudtest.NewConnector(),
		registry:  nodes,
	}
}

func (p *mockProvisioner) Client(ctx context.Context, acc *account.Account) (cloud.Client, error) {
	return p.connector.Connect(ctx, acc.Endpoint)
}

func (p *mockProvisioner) ProvisionNode(ctx context.Context, acc *account.Account, class *account.Class, overrides options.Options) (*registry.Node, error) {
	p.mu.Lock()
	p.provisions = append(p.provisions, class.Name)
	p.counter++
	name := fmt.Sprintf("%s-%d", class.Name, p.counter)
	gate, provisionFunc := p.gate, p.provisionFunc
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if provisionFunc != nil {
		if err := provisionFunc(class); err != nil {
			return nil, err
		}
	}

	client := p.connector.Client(acc.Name)
	server, err := client.BootAndWaitActive(ctx, cloud.BootRequest{
		Name: name,
		Metadata: map[string]string{
			cloud.MetaCloudName: acc.Name,
			cloud.MetaClassName: class.Name,
		},
	})
	if err != nil {
		return nil, err
	}

	node := registry.NewNode(registry.NodeConfig{
		Name:     name,
		Class:    class.Name,
		Account:  acc.Name,
		ServerID: server.ID,
		Options:  acc.ClassOptions(class).Override(overrides),
		Created:  time.Now(),
	})
	return node, p.registry.Add(node)
}

func (p *mockProvisioner) getProvisions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.provisions...)
}

// destroy removes a node and its server, as a termination would.
func (p *mockProvisioner) destroy(t *testing.T, acc *account.Account, name string) {
	node, ok := p.registry.Remove(name)
	require.True(t, ok)
	require.NoError(t, p.connector.Client(acc.Name).DestroyServer(context.Background(), node.ServerID()))
}

func newTestAccount(globalCap int, classes ...*account.Class) *account.Account {
	return &account.Account{
		Name:     "acme",
		Endpoint: cloud.Endpoint{Name: "acme", URL: "https://keystone.example"},
		Options:  options.Options{InstanceCap: lo.ToPtr(globalCap)},
		Classes:  classes,
	}
}

func newTestClass(name string, classCap int, labels ...string) *account.Class {
	return &account.Class{
		Name:    name,
		Labels:  labels,
		Options: options.Options{InstanceCap: lo.ToPtr(classCap)},
	}
}

func newTestScheduler(p *mockProvisioner) *Scheduler {
	config := DefaultConfig()
	config.Logger = silentLogger
	config.ManualWait = 50 * time.Millisecond
	return New(p, p.registry, config)
}

func classes(planned []*PlannedNode) []string {
	return lo.Map(planned, func(p *PlannedNode, _ int) string { return p.Class })
}

func waitAll(t *testing.T, planned []*PlannedNode) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range planned {
		_, err := p.Wait(ctx)
		require.NoError(t, err)
	}
}

// --- Tests ---

func TestProvisionFillsClassesInOrderWithinCaps(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(4, newTestClass("a", 1, "linux"), newTestClass("b", 100, "linux"))

	planned := s.Provision(context.Background(), acc, "linux", 2)
	assert.Equal(t, []string{"a", "b"}, classes(planned))
	waitAll(t, planned)

	planned = s.Provision(context.Background(), acc, "linux", 10)
	assert.Equal(t, []string{"b", "b"}, classes(planned), "class a is at its cap and the account has 2 slots left")
	waitAll(t, planned)

	assert.Empty(t, s.Provision(context.Background(), acc, "linux", 10))
	assert.Equal(t, 4, nodes.Count())
	assert.Len(t, nodes.ForClass("acme", "a"), 1)
}

func TestProvisionCountsProvisioningNodes(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.gate = make(chan struct{})
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("single", 1, "L"))

	planned := s.Provision(context.Background(), acc, "L", 2)
	require.Len(t, planned, 1)
	assert.Equal(t, NodeStatusProvisioning, planned[0].Status())

	assert.Empty(t, s.Provision(context.Background(), acc, "L", 2), "the node being provisioned counts against the cap")

	close(p.gate)
	waitAll(t, planned)
	assert.Equal(t, NodeStatusOnline, planned[0].Status())
	assert.Empty(t, s.Provision(context.Background(), acc, "L", 2))

	p.destroy(t, acc, "single-1")
	assert.Len(t, s.Provision(context.Background(), acc, "L", 2), 1)
	s.Wait()
}

func TestProvisionTrustsTheLargerCount(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(3, newTestClass("build", 10, "linux"))

	// Servers the registry does not know about yet
	client := p.connector.Client("acme")
	for i := range 2 {
		client.AddServer(cloud.Server{
			ID:       fmt.Sprintf("stray-%d", i),
			Metadata: map[string]string{cloud.MetaCloudName: "acme", cloud.MetaClassName: "build"},
		})
	}
	// Foreign servers are ignored
	client.AddServer(cloud.Server{ID: "foreign", Metadata: map[string]string{cloud.MetaCloudName: "other"}})

	planned := s.Provision(context.Background(), acc, "linux", 5)
	assert.Len(t, planned, 1)
	s.Wait()
}

func TestProvisionDecrementsByExecutors(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	class := newTestClass("wide", 10, "linux")
	class.Options.NumExecutors = lo.ToPtr(3)
	acc := newTestAccount(10, class)

	planned := s.Provision(context.Background(), acc, "linux", 4)
	assert.Len(t, planned, 2)
	assert.Equal(t, 3, planned[0].Executors)
	s.Wait()
}

func TestProvisionIgnoresUnmatchedLabel(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 10, "linux"))

	assert.Empty(t, s.Provision(context.Background(), acc, "windows", 1))
	assert.Empty(t, p.getProvisions())
}

func TestProvisionSkipsUnreachableAccount(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 10, "linux"))

	p.connector.Client("acme").ListErr = fmt.Errorf("listing: %w", cloud.ErrAuth)
	assert.Empty(t, s.Provision(context.Background(), acc, "linux", 1))

	p.connector.Client("acme").ListErr = nil
	p.connector.Err = errors.New("connection refused")
	assert.Empty(t, s.Provision(context.Background(), acc, "linux", 1))
}

func TestProvisionEmitsEvents(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.provisionFunc = func(class *account.Class) error {
		if class.Name == "broken" {
			return errors.New("no image")
		}
		return nil
	}
	s := newTestScheduler(p)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	acc := newTestAccount(10, newTestClass("broken", 1, "linux"), newTestClass("build", 1, "linux"))

	planned := s.Provision(context.Background(), acc, "linux", 5)
	require.Len(t, planned, 2)
	s.Wait()

	var received []Event
	for len(received) < 5 {
		select {
		case event := <-events:
			received = append(received, event)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing events, got %v", received)
		}
	}
	assert.Contains(t, received, EventCapReached{Account: "acme", Label: "linux"})
	assert.True(t, lo.ContainsBy(received, func(event Event) bool {
		provisioned, ok := event.(EventNodeProvisioned)
		return ok && provisioned.Class == "build"
	}))
	assert.Contains(t, received, EventProvisioningFailed{Account: "acme", Class: "broken", Error: "no image"})
}

func TestProvisionManuallyReportsFastFailure(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.provisionFunc = func(*account.Class) error { return errors.New("flavor not found") }
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 1))

	_, err := s.ProvisionManually(context.Background(), acc, "build", options.Options{})
	assert.EqualError(t, err, "flavor not found")
}

func TestProvisionManuallyDetachesSlowProvisioning(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.gate = make(chan struct{})
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 1))

	planned, err := s.ProvisionManually(context.Background(), acc, "build", options.Options{})
	require.NoError(t, err)
	assert.Equal(t, NodeStatusProvisioning, planned.Status())

	_, err = s.ProvisionManually(context.Background(), acc, "build", options.Options{})
	assert.ErrorIs(t, err, ErrCapReached)

	close(p.gate)
	waitAll(t, []*PlannedNode{planned})
}

func TestProvisionManuallyAppliesOverrides(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 1))

	planned, err := s.ProvisionManually(context.Background(), acc, "build", options.Options{NumExecutors: lo.ToPtr(4)})
	require.NoError(t, err)
	node, err := planned.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, node.Options().GetNumExecutors())
}

func TestProvisionManuallyUnknownClass(t *testing.T) {
	nodes := registry.New(registry.Config{})
	s := newTestScheduler(newMockProvisioner(nodes))

	_, err := s.ProvisionManually(context.Background(), newTestAccount(10), "missing", options.Options{})
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	s := newTestScheduler(p)
	acc := newTestAccount(10, newTestClass("build", 10, "linux"))

	s.Shutdown()
	assert.Empty(t, s.Provision(context.Background(), acc, "linux", 1))
	_, err := s.ProvisionManually(context.Background(), acc, "build", options.Options{})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Zero(t, s.Inflight())
}
