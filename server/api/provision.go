package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/provisioner"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/runs"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/gammadia/cumulus/scope"
	"github.com/samber/lo"
)

type provisionRequest struct {
	Label string `json:"label"`
	Units int    `json:"units"`
}

type PlannedNode struct {
	Account   string               `json:"account"`
	Class     string               `json:"class"`
	Executors int                  `json:"executors"`
	Status    scheduler.NodeStatus `json:"status"`
	Node      *registry.State      `json:"node,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func plannedNode(p *scheduler.PlannedNode) PlannedNode {
	planned := PlannedNode{
		Account:   p.Account,
		Class:     p.Class,
		Executors: p.Executors,
		Status:    p.Status(),
	}
	select {
	case <-p.Done():
		node, err := p.Wait(context.Background())
		if err != nil {
			planned.Error = err.Error()
		} else if node != nil {
			planned.Node = lo.ToPtr(node.State())
		}
	default:
	}
	return planned
}

// handleProvision plans nodes for a label the orchestrator has queued work for.
func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}

	req := provisionRequest{Units: 1}
	if !decode(w, r, &req) {
		return
	}
	if req.Units < 1 {
		writeError(w, http.StatusBadRequest, "units must be greater than 0")
		return
	}

	planned := h.config.Scheduler.Provision(r.Context(), acc, req.Label, req.Units)
	writeJSON(w, http.StatusAccepted, lo.Map(planned, func(p *scheduler.PlannedNode, _ int) PlannedNode { return plannedNode(p) }))
}

// handleProvisionManually starts one node of a class, with the request body as option overrides.
func (h *Handler) handleProvisionManually(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}

	var overrides options.Options
	if !decode(w, r, &overrides) {
		return
	}

	planned, err := h.config.Scheduler.ProvisionManually(r.Context(), acc, r.PathValue("class"), overrides)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnknownClass):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scheduler.ErrCapReached):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scheduler.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, cloud.ErrAuth):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		h.log.Warn("Manual provisioning failed", "account", acc.Name, "class", r.PathValue("class"), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	code := http.StatusAccepted
	if planned.Status() == scheduler.NodeStatusOnline {
		code = http.StatusCreated
	}
	writeJSON(w, code, plannedNode(planned))
}

type serverRequest struct {
	Class   string          `json:"class"`
	Run     *runs.Run       `json:"run,omitempty"`
	TTL     string          `json:"ttl,omitempty"`
	Options options.Options `json:"options"`
}

func (req serverRequest) scope(now time.Time) (scope.Scope, error) {
	switch {
	case req.Run != nil && req.TTL != "":
		return nil, fmt.Errorf("run and ttl are mutually exclusive")
	case req.Run != nil:
		if req.Run.Project == "" {
			return nil, fmt.Errorf("run project is required")
		}
		return scope.Run{Project: req.Run.Project, Number: req.Run.Number}, nil
	case req.TTL != "":
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid ttl '%s'", req.TTL)
		}
		return scope.NewTime(now, ttl), nil
	default:
		return nil, fmt.Errorf("either run or ttl is required")
	}
}

// handleCreateServer boots a server that is not a node. It lives until its run ends or its ttl expires.
func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}

	var req serverRequest
	if !decode(w, r, &req) {
		return
	}
	class, ok := acc.Class(req.Class)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown class '%s' in account '%s'", req.Class, acc.Name))
		return
	}
	s, err := req.scope(h.config.Clock())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	client, err := h.config.Provisioner.Client(r.Context(), acc)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	server, err := h.config.Provisioner.CreateServer(r.Context(), client, provisioner.ServerRequest{
		Account: acc,
		Class:   class,
		Options: acc.ClassOptions(class).Override(req.Options),
		Scope:   s,
		Name:    h.config.Provisioner.NodeName(class.Name),
	})
	if err != nil {
		h.log.Warn("Failed to create scoped server", "account", acc.Name, "class", class.Name, "scope", s, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, server)
}
