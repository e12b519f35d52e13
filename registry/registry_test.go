package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/gammadia/cumulus/options"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetRemove(t *testing.T) {
	r := New(Config{})
	c := &clock{now: time.Now()}
	node := newTestNode("a", options.Options{}, c)

	require.NoError(t, r.Add(node))
	assert.Error(t, r.Add(newTestNode("a", options.Options{}, c)))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, node, got)
	assert.Equal(t, 1, r.Count())

	removed, ok := r.Remove("a")
	require.True(t, ok)
	assert.Same(t, node, removed)
	_, ok = r.Remove("a")
	assert.False(t, ok)

	select {
	case <-node.Removed():
	default:
		t.Fatal("removed channel should be closed")
	}
}

func TestQueries(t *testing.T) {
	r := New(Config{})
	c := &clock{now: time.Now()}
	for _, config := range []NodeConfig{
		{Name: "c", Account: "one", Class: "x", ServerID: "s3"},
		{Name: "a", Account: "one", Class: "y", ServerID: "s1"},
		{Name: "b", Account: "two", Class: "x", ServerID: "s2", Fingerprint: "fp"},
	} {
		config.Created = c.now
		require.NoError(t, r.Add(NewNode(config)))
	}

	assert.Equal(t, []string{"a", "b", "c"}, names(r.List()))
	assert.Equal(t, []string{"a", "c"}, names(r.ForAccount("one")))
	assert.Equal(t, []string{"c"}, names(r.ForClass("one", "x")))

	node, ok := r.ByServerID("s2")
	require.True(t, ok)
	assert.Equal(t, "b", node.Name())

	fingerprint, ok := r.Fingerprint("b")
	require.True(t, ok)
	assert.Equal(t, "fp", fingerprint)
}

func TestChangesArePersistedAndObserved(t *testing.T) {
	store := NewMemoryStore()
	r := New(Config{Store: store})
	var mu sync.Mutex
	var kinds []ChangeKind
	r.Observe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, c.Kind)
	})

	node := newTestNode("a", options.Options{}, &clock{now: time.Now()})
	require.NoError(t, r.Add(node))
	node.SetPendingDelete(true)

	states, err := store.Load()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].PendingDelete)

	r.Remove("a")
	node.SetPendingDelete(false)

	states, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeUpdated, ChangeRemoved}, kinds)
}

func TestInterrupt(t *testing.T) {
	var interrupted []string
	r := New(Config{Interrupter: InterrupterFunc(func(n *Node, cause string) {
		interrupted = append(interrupted, n.Name()+": "+cause)
	})})
	node := newTestNode("a", options.Options{}, &clock{now: time.Now()})
	require.NoError(t, r.Add(node))

	r.Interrupt(node, "server vanished")

	assert.Equal(t, []string{"a: server vanished"}, interrupted)
	assert.Equal(t, "server vanished", node.State().Interrupted)
}

func TestBadgerStoreRestore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)

	r := New(Config{Store: store})
	node := newTestNode("a", options.Options{}, &clock{now: time.Now()})
	require.NoError(t, r.Add(node))
	node.SetOffline(CauseUser, "maintenance")
	require.NoError(t, r.Add(newTestNode("b", options.Options{}, &clock{now: time.Now()})))
	r.Remove("b")

	restored := New(Config{Store: store})
	count, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, ok := restored.Get("a")
	require.True(t, ok)
	assert.True(t, got.IsUserOffline())
	assert.Equal(t, "build", got.Class())
	assert.True(t, got.IsConnecting(), "restored nodes wait for their transport")
	require.NoError(t, restored.Close())
}

func names(nodes []*Node) []string {
	result := make([]string, len(nodes))
	for i, n := range nodes {
		result[i] = n.Name()
	}
	return result
}
