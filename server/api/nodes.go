package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/registry"
	"github.com/samber/lo"
)

func (h *Handler) node(w http.ResponseWriter, r *http.Request) (*registry.Node, bool) {
	name := r.PathValue("name")
	node, ok := h.config.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node '"+name+"'")
	}
	return node, ok
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.config.Registry.List()
	if account := r.URL.Query().Get("account"); account != "" {
		nodes = h.config.Registry.ForAccount(account)
	}
	writeJSON(w, http.StatusOK, lo.Map(nodes, func(n *registry.Node, _ int) registry.State { return n.State() }))
}

func (h *Handler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if node, ok := h.node(w, r); ok {
		writeJSON(w, http.StatusOK, node.State())
	}
}

func (h *Handler) handleTaskStarted(w http.ResponseWriter, r *http.Request) {
	node, ok := h.node(w, r)
	if !ok {
		return
	}
	if err := node.TaskStarted(); err != nil {
		if errors.Is(err, registry.ErrNotAccepting) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, node.State())
}

func (h *Handler) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	node, ok := h.node(w, r)
	if !ok {
		return
	}
	if err := node.TaskCompleted(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	state := node.State()
	if state.PendingDelete {
		h.triggerReconcile()
	}
	writeJSON(w, http.StatusOK, state)
}

type offlineRequest struct {
	Cause   registry.OfflineCause `json:"cause"`
	Message string                `json:"message"`
}

func (h *Handler) handleOffline(w http.ResponseWriter, r *http.Request) {
	node, ok := h.node(w, r)
	if !ok {
		return
	}

	req := offlineRequest{Cause: registry.CauseUser}
	if !decode(w, r, &req) {
		return
	}
	switch req.Cause {
	case registry.CauseUser, registry.CauseChannelTerminated, registry.CauseDiskSpace:
	default:
		writeError(w, http.StatusBadRequest, "unknown offline cause '"+string(req.Cause)+"'")
		return
	}

	node.SetOffline(req.Cause, req.Message)
	h.log.Info("Node went offline", "node", node.Name(), "cause", req.Cause, "message", req.Message)
	if req.Cause.Fatal() {
		h.triggerReconcile()
	}
	writeJSON(w, http.StatusOK, node.State())
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	if node, ok := h.node(w, r); ok {
		node.SetOffline(registry.CauseNone, "")
		writeJSON(w, http.StatusOK, node.State())
	}
}

// handleTerminate schedules the node for deletion, the next reconciliation pass destroys it once idle.
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	node, ok := h.node(w, r)
	if !ok {
		return
	}
	node.SetPendingDelete(true)
	h.triggerReconcile()
	writeJSON(w, http.StatusAccepted, node.State())
}

// handleCheckIn is called by inbound agents once they are up. The node is usually not registered yet.
func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if h.config.Agents == nil {
		writeError(w, http.StatusNotFound, "inbound agents are not enabled")
		return
	}
	h.config.Agents.CheckIn(r.PathValue("name"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActivities(w http.ResponseWriter, _ *http.Request) {
	activities := h.config.Activities.List()
	sort.Slice(activities, func(i, j int) bool { return activities[i].Started.Before(activities[j].Started) })
	if activities == nil {
		activities = []activity.Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}
