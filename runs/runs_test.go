package runs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	tracker, err := NewTracker(nil)
	require.NoError(t, err)

	assert.False(t, tracker.Active("app", 12))

	_, err = tracker.Start("app", 12)
	require.NoError(t, err)
	assert.True(t, tracker.Active("app", 12))
	assert.False(t, tracker.Active("app", 13))

	run, err := tracker.Finish("app", 12)
	require.NoError(t, err)
	assert.False(t, run.Active())
	assert.False(t, tracker.Active("app", 12))

	_, err = tracker.Finish("app", 99)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestPrune(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, err := NewTracker(nil)
	require.NoError(t, err)
	tracker.now = func() time.Time { return now }

	_, _ = tracker.Start("app", 1)
	_, _ = tracker.Start("app", 2)
	_, _ = tracker.Start("app", 3)
	_, _ = tracker.Finish("app", 1)
	now = now.Add(2 * time.Hour)
	_, _ = tracker.Finish("app", 2)

	pruned, err := tracker.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok := tracker.Get("app", 1)
	assert.False(t, ok)
	assert.Len(t, tracker.List(), 2)
}

func TestBadgerStoreKeepsRunsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	tracker, err := NewTracker(store)
	require.NoError(t, err)
	_, err = tracker.Start("app", 7)
	require.NoError(t, err)
	_, err = tracker.Start("lib", 3)
	require.NoError(t, err)
	_, err = tracker.Finish("lib", 3)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer store.Close()
	tracker, err = NewTracker(store)
	require.NoError(t, err)

	assert.True(t, tracker.Active("app", 7))
	assert.False(t, tracker.Active("lib", 3))
	assert.Len(t, tracker.List(), 2)
}
