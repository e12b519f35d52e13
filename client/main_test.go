package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, handler http.Handler, args ...string) (string, error) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	cumulusCmd.SetOut(&out)
	cumulusCmd.SetErr(&out)
	cumulusCmd.SetArgs(append([]string{"--remote", srv.URL, "--output", "table"}, args...))
	t.Cleanup(func() { cumulusCmd.SetOut(nil) })

	err := cumulusCmd.Execute()
	return out.String(), err
}

func TestNodesTable(t *testing.T) {
	var query string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]registry.State{
			{Name: "linux-b", Account: "acme", Class: "linux", Busy: 1},
			{Name: "linux-a", Account: "acme", Class: "linux", PendingDelete: true},
		})
	})

	out, err := execute(t, handler, "nodes", "--account", "acme")

	require.NoError(t, err)
	assert.Equal(t, "account=acme", query)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[1]), "linux-a")
	assert.Contains(t, string(lines[1]), "pending-delete")
	assert.Contains(t, string(lines[2]), "busy")
}

func TestRunsJSON(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]runs.Run{{Project: "app", Number: 3}})
	})

	out, err := execute(t, handler, "runs", "-o", "json")

	require.NoError(t, err)
	var decoded []runs.Run
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "app", decoded[0].Project)
}

func TestRemoteError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown node 'linux-z'"}`))
	})

	_, err := execute(t, handler, "terminate", "linux-z")

	var remoteErr *remoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusNotFound, remoteErr.Status)
	assert.Equal(t, "unknown node 'linux-z'", remoteErr.Error())
}

func TestProvisionRequiresClassOrLabel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	_, err := execute(t, handler, "provision", "acme", "--label", "")

	assert.EqualError(t, err, "either a class or --label is required")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, http.NotFoundHandler(), "runs", "-o", "xml")

	assert.EqualError(t, err, "unknown output format 'xml'")
}

func TestAge(t *testing.T) {
	assert.Equal(t, "-", age(time.Time{}))
	assert.Equal(t, "5m", age(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3d", age(time.Now().Add(-73*time.Hour)))
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "n/a", shortCommit("n/a"))
	assert.Equal(t, "5197c6e", shortCommit("5197c6ea3255"))
}
