package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/registry"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFloorClass(name string, floor, classCap int) *account.Class {
	class := newTestClass(name, classCap)
	class.Options.InstancesMin = lo.ToPtr(floor)
	return class
}

func TestBalancerMeetsFloor(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	acc := newTestAccount(10, newFloorClass("ready", 2, 5), newTestClass("ondemand", 5))
	b := NewBalancer([]*account.Account{acc}, newTestScheduler(p), nodes, silentLogger)

	b.Run(context.Background())
	assert.Equal(t, []string{"ready", "ready"}, p.getProvisions())

	b.Run(context.Background())
	assert.Len(t, p.getProvisions(), 2, "floor is already met")
}

func TestBalancerReplacesUnavailableNodes(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	class := newFloorClass("ready", 2, 5)
	acc := newTestAccount(10, class)
	b := NewBalancer([]*account.Account{acc}, newTestScheduler(p), nodes, silentLogger)
	b.Run(context.Background())

	first, ok := nodes.Get("ready-1")
	require.True(t, ok)
	first.SetPendingDelete(true)

	desired, err := b.Desired(context.Background(), acc, class)
	require.NoError(t, err)
	assert.Equal(t, 1, desired)
}

func TestBalancerObeysClassCap(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	class := newFloorClass("ready", 5, 2)
	acc := newTestAccount(10, class)
	b := NewBalancer([]*account.Account{acc}, newTestScheduler(p), nodes, silentLogger)

	// One server of the class is still around from a previous controller
	p.connector.Client("acme").AddServer(cloud.Server{
		ID:       "old",
		Metadata: map[string]string{cloud.MetaCloudName: "acme", cloud.MetaClassName: "ready"},
	})

	desired, err := b.Desired(context.Background(), acc, class)
	require.NoError(t, err)
	assert.Equal(t, 1, desired)
}

func TestBalancerCountsScheduledNodes(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.gate = make(chan struct{})
	class := newFloorClass("ready", 2, 2)
	class.Labels = []string{"linux"}
	acc := newTestAccount(10, class)
	s := newTestScheduler(p)
	b := NewBalancer([]*account.Account{acc}, s, nodes, silentLogger)

	planned := s.Provision(context.Background(), acc, "linux", 2)
	require.Len(t, planned, 2)

	desired, err := b.Desired(context.Background(), acc, class)
	require.NoError(t, err)
	assert.Zero(t, desired, "nodes still provisioning meet the floor")

	close(p.gate)
	waitAll(t, planned)
	b.Run(context.Background())
	assert.Equal(t, 2, nodes.Count())
}

func TestSchedulerCountsBalancerNodes(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.gate = make(chan struct{})
	class := newFloorClass("ready", 1, 2)
	class.Labels = []string{"linux"}
	acc := newTestAccount(10, class)
	s := newTestScheduler(p)
	b := NewBalancer([]*account.Account{acc}, s, nodes, silentLogger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return s.Inflight() == 1 }, time.Second, time.Millisecond)

	planned := s.Provision(context.Background(), acc, "linux", 3)
	assert.Len(t, planned, 1, "the pre-created node holds one slot of the class cap")

	close(p.gate)
	waitAll(t, planned)
	<-done
	assert.Equal(t, 2, nodes.Count())
	assert.Len(t, p.getProvisions(), 2)
}

func TestBalancerContinuesPastFailures(t *testing.T) {
	nodes := registry.New(registry.Config{})
	p := newMockProvisioner(nodes)
	p.provisionFunc = func(*account.Class) error { return errors.New("boom") }
	acc := newTestAccount(10, newFloorClass("ready", 3, 5))
	b := NewBalancer([]*account.Account{acc}, newTestScheduler(p), nodes, silentLogger)

	b.Run(context.Background())
	assert.Len(t, p.getProvisions(), 3)
	assert.Zero(t, nodes.Count())
}

func TestAvailableExcludesBusySingleUseNodes(t *testing.T) {
	nodes := registry.New(registry.Config{})
	b := NewBalancer(nil, newTestScheduler(newMockProvisioner(nodes)), nodes, silentLogger)

	add := func(name string, o options.Options) *registry.Node {
		node := registry.NewNode(registry.NodeConfig{Name: name, Class: "build", Account: "acme", Options: options.Defaults().Override(o)})
		require.NoError(t, nodes.Add(node))
		return node
	}

	reusable := options.Options{RetentionTime: lo.ToPtr(10)}
	singleUse := options.Options{RetentionTime: lo.ToPtr(options.RetentionSingleUse)}

	require.NoError(t, add("a", reusable).TaskStarted())
	add("b", reusable).SetOffline(registry.CauseUser, "")
	assert.Equal(t, 1, b.Available("acme", "build"))

	require.NoError(t, add("c", singleUse).TaskStarted())
	assert.Equal(t, 1, b.Available("acme", "build"), "busy single-use nodes will not come back")
}

func TestNeededReady(t *testing.T) {
	nodes := registry.New(registry.Config{})
	b := NewBalancer(nil, newTestScheduler(newMockProvisioner(nodes)), nodes, silentLogger)
	o := options.Defaults().Override(options.Options{InstancesMin: lo.ToPtr(1)})

	first := registry.NewNode(registry.NodeConfig{Name: "a", Class: "build", Account: "acme", Options: o})
	require.NoError(t, nodes.Add(first))
	assert.True(t, b.NeededReady(first))

	require.NoError(t, nodes.Add(registry.NewNode(registry.NodeConfig{Name: "b", Class: "build", Account: "acme", Options: o})))
	assert.False(t, b.NeededReady(first))

	noFloor := registry.NewNode(registry.NodeConfig{Name: "c", Class: "other", Account: "acme", Options: options.Defaults()})
	assert.False(t, b.NeededReady(noFloor))
}
