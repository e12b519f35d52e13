package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gammadia/cumulus/runs"
)

type runRequest struct {
	Project string `json:"project"`
	Number  int    `json:"number"`
}

func (h *Handler) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Runs.List())
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}

	run, err := h.config.Runs.Start(req.Project, req.Number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleFinishRun ends a run. Servers scoped to it are destroyed on the next reconciliation pass.
func (h *Handler) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run number '"+r.PathValue("number")+"'")
		return
	}

	run, err := h.config.Runs.Finish(r.PathValue("project"), number)
	if err != nil {
		if errors.Is(err, runs.ErrUnknownRun) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) triggerReconcile() {
	if h.config.Reconciler != nil {
		h.config.Reconciler.Trigger()
	}
}

func (h *Handler) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	if h.config.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler is not running")
		return
	}
	h.config.Reconciler.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleLastReport(w http.ResponseWriter, r *http.Request) {
	if h.config.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler is not running")
		return
	}
	report, ok := h.config.Reconciler.LastReport(r.PathValue("account"))
	if !ok {
		writeError(w, http.StatusNotFound, "no reconciliation pass yet for account '"+r.PathValue("account")+"'")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
