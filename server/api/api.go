// Package api is the HTTP boundary between the orchestrator and the node engine.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/provisioner"
	"github.com/gammadia/cumulus/provisioner/disposer"
	"github.com/gammadia/cumulus/provisioner/launcher"
	"github.com/gammadia/cumulus/reconciler"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/runs"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/samber/lo"
)

type Config struct {
	Logger      *slog.Logger             `json:"-"`
	Clock       func() time.Time         `json:"-"`
	Accounts    []*account.Account       `json:"-"`
	Registry    *registry.Registry       `json:"-"`
	Activities  *activity.Tracker        `json:"-"`
	Runs        *runs.Tracker            `json:"-"`
	Scheduler   *scheduler.Scheduler     `json:"-"`
	Provisioner *provisioner.Provisioner `json:"-"`
	Disposer    *disposer.Disposer       `json:"-"`
	Agents      *launcher.Agent          `json:"-"`
	Reconciler  *reconciler.Reconciler   `json:"-"`
	Metrics     http.Handler             `json:"-"`
	Version     string                   `json:"version"`
	Commit      string                   `json:"commit"`
	StartedAt   time.Time                `json:"started-at"`
}

type Handler struct {
	config Config
	log    *slog.Logger
}

func New(config Config) http.Handler {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	h := &Handler{config: config, log: config.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)

	mux.HandleFunc("GET /v1/nodes", h.handleListNodes)
	mux.HandleFunc("GET /v1/nodes/{name}", h.handleGetNode)
	mux.HandleFunc("POST /v1/nodes/{name}/tasks/started", h.handleTaskStarted)
	mux.HandleFunc("POST /v1/nodes/{name}/tasks/completed", h.handleTaskCompleted)
	mux.HandleFunc("POST /v1/nodes/{name}/offline", h.handleOffline)
	mux.HandleFunc("POST /v1/nodes/{name}/online", h.handleOnline)
	mux.HandleFunc("POST /v1/nodes/{name}/terminate", h.handleTerminate)
	mux.HandleFunc("POST /v1/nodes/{name}/checkin", h.handleCheckIn)
	mux.HandleFunc("GET /v1/activities", h.handleActivities)

	mux.HandleFunc("POST /v1/accounts/{account}/provision", h.handleProvision)
	mux.HandleFunc("POST /v1/accounts/{account}/classes/{class}/provision", h.handleProvisionManually)
	mux.HandleFunc("POST /v1/accounts/{account}/servers", h.handleCreateServer)

	mux.HandleFunc("GET /v1/runs", h.handleListRuns)
	mux.HandleFunc("POST /v1/runs", h.handleStartRun)
	mux.HandleFunc("POST /v1/runs/{project}/{number}/finish", h.handleFinishRun)

	mux.HandleFunc("POST /v1/reconcile", h.handleReconcile)
	mux.HandleFunc("GET /v1/reconcile/{account}", h.handleLastReport)

	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics)
	}
	return mux
}

type Status struct {
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	StartedAt  time.Time `json:"started-at"`
	Accounts   []string  `json:"accounts"`
	Nodes      int       `json:"nodes"`
	Inflight   int       `json:"inflight"`
	Disposing  int       `json:"disposing"`
	Activities int       `json:"activities"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Version:   h.config.Version,
		Commit:    h.config.Commit,
		StartedAt: h.config.StartedAt,
		Accounts:  lo.Map(h.config.Accounts, func(a *account.Account, _ int) string { return a.Name }),
		Nodes:     h.config.Registry.Count(),
		Inflight:  h.config.Scheduler.Inflight(),
	}
	if h.config.Disposer != nil {
		status.Disposing = h.config.Disposer.Pending()
	}
	if h.config.Activities != nil {
		status.Activities = len(h.config.Activities.List())
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	name := r.PathValue("account")
	acc, ok := lo.Find(h.config.Accounts, func(a *account.Account) bool { return a.Name == name })
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account '"+name+"'")
	}
	return acc, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
