package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/namegen"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/provisioner/launcher"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scope"
)

// NodeName returns a node name unused by registered nodes and running provisioning attempts.
func (p *Provisioner) NodeName(class string) string {
	return namegen.Unique(class, func(name string) bool {
		if _, ok := p.config.Registry.Get(name); ok {
			return true
		}
		return p.config.Activities.NameInUse(name)
	})
}

// ProvisionNode boots a server for class, waits for its node to be ready and registers it.
// overrides, when not empty, take precedence over the class options.
func (p *Provisioner) ProvisionNode(ctx context.Context, acc *account.Account, class *account.Class, overrides options.Options) (node *registry.Node, err error) {
	opts := acc.ClassOptions(class).Override(overrides)
	name := p.NodeName(class.Name)
	fingerprint := p.config.Activities.Start(name, acc.Name, class.Name)
	log := p.log.With("node", name, "account", acc.Name, "class", class.Name)

	defer func() {
		if err != nil {
			_ = p.config.Activities.Fail(fingerprint, err)
			err = &ProvisioningFailedError{Class: class.Name, Err: err}
			log.Warn("Provisioning failed", "error", err)
		}
	}()

	client, err := p.Client(ctx, acc)
	if err != nil {
		return nil, err
	}

	server, err := p.CreateServer(ctx, client, ServerRequest{
		Account:     acc,
		Class:       class,
		Options:     opts,
		Scope:       scope.Node{Name: name, Fingerprint: fingerprint},
		Name:        name,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	_ = p.config.Activities.Launching(fingerprint)
	log.Info("Server is active, waiting for node to be ready", "server", server.ID, "address", server.AccessAddress())

	target := launcher.Target{Name: name, Address: server.AccessAddress(), Options: opts}
	transport, err := p.connectNode(ctx, client, target, server, opts.GetStartTimeout())
	if err != nil {
		p.config.Disposer.Dispose(client, acc.Name, server.ID, "node failed to launch")
		return nil, err
	}

	node = registry.NewNode(registry.NodeConfig{
		Name:        name,
		Class:       class.Name,
		Account:     acc.Name,
		Fingerprint: fingerprint,
		ServerID:    server.ID,
		Address:     target.Address,
		Options:     opts,
		Created:     p.config.Clock(),
		Clock:       p.config.Clock,
	})
	if err = p.config.Registry.Add(node); err != nil {
		_ = transport.Close()
		p.config.Disposer.Dispose(client, acc.Name, server.ID, "node could not be registered")
		return nil, err
	}

	p.mu.Lock()
	p.transports[name] = transport
	p.mu.Unlock()

	_ = p.config.Activities.Operating(fingerprint)
	log.Info("Node is online", "server", server.ID)
	return node, nil
}

// Reconnect reopens the transport of a node restored from a previous run. A node that cannot be
// reached within its start timeout is terminated.
func (p *Provisioner) Reconnect(ctx context.Context, acc *account.Account, node *registry.Node) error {
	if !node.IsConnecting() {
		return nil
	}
	client, err := p.Client(ctx, acc)
	if err != nil {
		return err
	}

	opts := node.Options()
	target := launcher.Target{Name: node.Name(), Address: node.Address(), Options: opts}
	transport, err := p.connectNode(ctx, client, target, &cloud.Server{ID: node.ServerID()}, opts.GetStartTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.log.Warn("Restored node did not reconnect", "node", node.Name(), "error", err)
		return p.Terminate(ctx, acc, node, "node did not reconnect after restart")
	}

	if _, ok := p.config.Registry.Get(node.Name()); !ok {
		return transport.Close()
	}
	p.mu.Lock()
	p.transports[node.Name()] = transport
	p.mu.Unlock()

	node.SetConnecting(false)
	p.log.Info("Node reconnected", "node", node.Name())
	return nil
}

// connectNode polls the launcher until the node is ready or the start timeout elapses.
func (p *Provisioner) connectNode(ctx context.Context, client cloud.Client, target launcher.Target, server *cloud.Server, timeout time.Duration) (launcher.Transport, error) {
	l, err := p.config.Launchers.For(target.Options.GetLauncher().Kind)
	if err != nil {
		return nil, err
	}

	started := p.config.Clock()
	waitingFor := "launcher to start"
	for {
		if elapsed := p.config.Clock().Sub(started); elapsed > timeout {
			return nil, p.launchTimeout(ctx, client, target, server, timeout, waitingFor)
		}

		reason, err := l.StillWaitingFor(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("node '%s' failed to launch: %w", target.Name, err)
		}
		if reason == "" {
			transport, err := l.Connect(ctx, target)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to node '%s': %w", target.Name, err)
			}
			return transport, nil
		}
		waitingFor = reason

		select {
		case <-time.After(p.config.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Provisioner) launchTimeout(ctx context.Context, client cloud.Client, target launcher.Target, server *cloud.Server, timeout time.Duration, waitingFor string) error {
	fresh, err := client.GetServer(ctx, server.ID)
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		return fmt.Errorf("node '%s' did not launch within %s: server '%s' no longer exists", target.Name, timeout, server.ID)
	case err != nil:
		return fmt.Errorf("node '%s' did not launch within %s, still waiting for %s (server status unknown: %v)", target.Name, timeout, waitingFor, err)
	case fresh.Fault != "":
		return fmt.Errorf("node '%s' did not launch within %s, still waiting for %s (server %s: %s)", target.Name, timeout, waitingFor, fresh.Status, fresh.Fault)
	default:
		return fmt.Errorf("node '%s' did not launch within %s, still waiting for %s (server %s)", target.Name, timeout, waitingFor, fresh.Status)
	}
}
