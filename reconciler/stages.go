package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scope"
	"github.com/samber/lo"
)

// terminatePending discards the idle nodes that are marked for deletion or that went offline for good.
func (r *Reconciler) terminatePending(ctx context.Context, acc *account.Account, client cloud.Client) []string {
	var terminated []string

	for _, node := range r.registry.ForAccount(acc.Name) {
		if !node.IsIdle() {
			continue
		}

		var reason string
		if node.IsPendingDelete() {
			r.log.Info("Deleting pending node", "account", acc.Name, "node", node.Name())
			reason = "pending delete"
		} else if cause, message := node.OfflineCause(); cause.Fatal() {
			r.diagnose(ctx, client, node, cause, message)
			reason = fmt.Sprintf("offline: %s", cause)
		} else {
			continue
		}

		if err := r.terminator.Terminate(ctx, acc, node, reason); err != nil {
			r.log.Error("Failed to terminate node", "account", acc.Name, "node", node.Name(), "error", err)
			continue
		}
		terminated = append(terminated, node.Name())
	}

	return terminated
}

func (r *Reconciler) diagnose(ctx context.Context, client cloud.Client, node *registry.Node, cause registry.OfflineCause, message string) {
	log := r.log.With("node", node.Name(), "cause", cause, "message", message)
	if node.ServerID() == "" {
		log.Warn("Deleting node that went offline")
		return
	}

	server, err := client.GetServer(ctx, node.ServerID())
	if err != nil {
		log.Warn("Deleting node that went offline, server lookup failed", "server", node.ServerID(), "error", err)
		return
	}
	log.Warn("Deleting node that went offline", "server", server.ID, "status", server.Status, "fault", server.Fault)
}

// checkScopes disposes of the servers whose scope expired.
// It returns the ids of the listed servers still occupying resources and the number of servers in scope.
func (r *Reconciler) checkScopes(ctx context.Context, acc *account.Account, client cloud.Client) (map[string]struct{}, int, []string, error) {
	servers, err := client.ListServers(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to list servers: %w", err)
	}
	servers = lo.Filter(servers, func(server cloud.Server, _ int) bool { return acc.HasProvisioned(&server) })

	running := make(map[string]struct{}, len(servers))
	live := 0
	var disposed []string

	for i := range servers {
		server := &servers[i]
		if server.Occupied() {
			running[server.ID] = struct{}{}
		}

		s, err := scope.FromServer(server)
		if err != nil {
			r.log.Warn("Keeping server with an unreadable scope", "account", acc.Name, "server", server.ID, "name", server.Name, "error", err)
			live++
			continue
		}
		if s.InScope(server, r.env) {
			live++
			continue
		}

		reason := fmt.Sprintf("scope %s expired", s)
		if node, ok := r.registry.ByServerID(server.ID); ok {
			if err := r.terminator.Terminate(ctx, acc, node, reason); err != nil {
				r.log.Error("Failed to terminate node out of scope", "account", acc.Name, "node", node.Name(), "error", err)
				continue
			}
		} else {
			r.log.Info("Disposing of server out of scope", "account", acc.Name, "server", server.ID, "name", server.Name, "scope", s)
			r.disposer.Dispose(client, acc.Name, server.ID, reason)
		}
		disposed = append(disposed, server.ID)
	}

	return running, live, disposed, nil
}

// removeOrphans terminates the nodes whose server is gone.
// Nodes registered after the listing are left alone, their server could not be listed yet.
func (r *Reconciler) removeOrphans(ctx context.Context, acc *account.Account, client cloud.Client, running map[string]struct{}, listedAt time.Time) []string {
	var orphans []string

	for _, node := range r.registry.ForAccount(acc.Name) {
		if node.ServerID() == "" || node.Created().After(listedAt) {
			continue
		}
		if _, ok := running[node.ServerID()]; ok {
			continue
		}

		log := r.log.With("account", acc.Name, "node", node.Name(), "server", node.ServerID())
		server, err := client.GetServer(ctx, node.ServerID())
		switch {
		case errors.Is(err, cloud.ErrNotFound):
		case err != nil:
			log.Debug("Failed to look up unlisted server, skipping", "error", err)
			continue
		case server.Occupied():
			log.Error("Server of node is running but was not listed", "status", server.Status)
			continue
		}

		cause := fmt.Sprintf("server (%s) is not running for node %s. Terminating!", node.ServerID(), node.Name())
		log.Warn("Removing orphaned node", "cause", cause)
		r.registry.Interrupt(node, cause)
		if err := r.terminator.Terminate(ctx, acc, node, "orphaned"); err != nil {
			log.Error("Failed to terminate orphaned node", "error", err)
			continue
		}
		orphans = append(orphans, node.Name())
	}

	return orphans
}

// releaseLeakedFIPs releases the floating IPs found unattached in two consecutive passes.
func (r *Reconciler) releaseLeakedFIPs(ctx context.Context, acc *account.Account, client cloud.Client) ([]string, error) {
	free, err := client.FreeFloatingIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list floating ips: %w", err)
	}

	r.fipsMu.Lock()
	previous := r.freeFIPs[acc.Name]
	current := make(map[string]struct{}, len(free))
	var leaked []cloud.FloatingIP
	for _, fip := range free {
		if _, ok := previous[fip.ID]; ok {
			leaked = append(leaked, fip)
		} else {
			current[fip.ID] = struct{}{}
		}
	}
	r.freeFIPs[acc.Name] = current
	r.fipsMu.Unlock()

	var released []string
	for _, fip := range leaked {
		err := client.ReleaseFloatingIP(ctx, fip.ID)
		switch {
		case err == nil:
			r.log.Info("Released leaked floating ip", "account", acc.Name, "fip", fip.ID, "address", fip.Address)
			released = append(released, fip.ID)
		case errors.Is(err, cloud.ErrForbidden):
			r.log.Debug("Not allowed to release floating ip", "account", acc.Name, "fip", fip.ID)
		default:
			r.log.Warn("Failed to release leaked floating ip", "account", acc.Name, "fip", fip.ID, "error", err)
		}
	}

	return released, nil
}
