package openstack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStalledIdentity returns an identity endpoint that never answers until released or the
// request is abandoned.
func newStalledIdentity(t *testing.T) (cloud.Endpoint, *atomic.Int32, chan struct{}) {
	calls := &atomic.Int32{}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	return testEndpoint("stalled", server.URL), calls, release
}

func testEndpoint(name, url string) cloud.Endpoint {
	return cloud.Endpoint{Name: name, URL: url + "/v3/", Username: "ci", Password: "secret", Domain: "Default"}
}

func TestConnectTimesOut(t *testing.T) {
	endpoint, _, _ := newStalledIdentity(t)
	c := NewConnector(Config{AuthTimeout: 20 * time.Millisecond}, silentLogger)

	start := time.Now()
	_, err := c.Connect(context.Background(), endpoint)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectDoesNotWaitForOtherAccounts(t *testing.T) {
	stalled, calls, release := newStalledIdentity(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	c := NewConnector(Config{AuthTimeout: time.Minute}, silentLogger)

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), stalled)
		done <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 5*time.Second, time.Millisecond)

	_, err := c.Connect(context.Background(), testEndpoint("broken", broken.URL))
	require.Error(t, err)

	select {
	case <-done:
		t.Fatal("the stalled account should still be authenticating")
	default:
	}

	close(release)
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the stalled account never returned")
	}
}

func TestConnectRetriesAfterFailure(t *testing.T) {
	endpoint, calls, release := newStalledIdentity(t)
	close(release)
	c := NewConnector(Config{}, silentLogger)

	_, err := c.Connect(context.Background(), endpoint)
	require.Error(t, err)
	_, err = c.Connect(context.Background(), endpoint)
	require.Error(t, err)

	assert.GreaterOrEqual(t, calls.Load(), int32(2), "failed sessions are not cached")
}
