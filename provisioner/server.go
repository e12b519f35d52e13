package provisioner

import (
	"context"
	"fmt"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/provisioner/bootscript"
	"github.com/gammadia/cumulus/scope"
	"github.com/samber/lo"
)

// ServerRequest describes one server to boot.
type ServerRequest struct {
	Account     *account.Account
	Class       *account.Class
	Options     options.Options
	Scope       scope.Scope
	Name        string
	Fingerprint string
}

// CreateServer boots a tagged server and waits for it to be active. A floating IP is attached when
// the options name a pool; if that fails the server is disposed of.
func (p *Provisioner) CreateServer(ctx context.Context, client cloud.Client, request ServerRequest) (*cloud.Server, error) {
	opts := request.Options
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options for class '%s': %w", request.Class.Name, err)
	}

	networkNames, networkIDs, err := p.SelectNetworks(ctx, client, lo.FromPtr(opts.Networks))
	if err != nil {
		return nil, err
	}

	securityGroups, err := parseSecurityGroups(lo.FromPtr(opts.SecurityGroups))
	if err != nil {
		return nil, err
	}

	userData, err := p.config.BootScripts.Render(lo.FromPtr(opts.BootScript), bootscript.Data{
		NodeName:      request.Name,
		Class:         request.Class.Name,
		Account:       request.Account.Name,
		Fingerprint:   request.Fingerprint,
		FSRoot:        lo.FromPtr(opts.FSRoot),
		AgentOptions:  lo.FromPtr(opts.AgentOptions),
		ControllerURL: p.config.ControllerURL,
		Labels:        request.Class.Labels,
	})
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		cloud.MetaCloudName: request.Account.Name,
		cloud.MetaClassName: request.Class.Name,
		cloud.MetaScope:     request.Scope.String(),
		cloud.MetaInstance:  p.config.Instance,
	}
	if len(networkNames) > 0 {
		metadata[cloud.MetaNetworkOrder] = NetworkOrder(networkNames)
	}

	p.log.Info("Booting server", "server", request.Name, "account", request.Account.Name, "class", request.Class.Name, "scope", request.Scope.String())
	server, err := client.BootAndWaitActive(ctx, cloud.BootRequest{
		Name:             request.Name,
		BootSource:       *opts.BootSource,
		Flavor:           *opts.Flavor,
		Networks:         networkIDs,
		SecurityGroups:   securityGroups,
		KeyPair:          lo.FromPtr(opts.KeyPair),
		AvailabilityZone: lo.FromPtr(opts.AvailabilityZone),
		UserData:         userData,
		ConfigDrive:      lo.FromPtr(opts.ConfigDrive),
		Metadata:         metadata,
		Timeout:          opts.GetStartTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to boot server '%s': %w", request.Name, err)
	}

	if pool := lo.FromPtr(opts.FloatingIPPool); pool != "" {
		fip, err := client.AssignFloatingIP(ctx, server, pool)
		if err != nil {
			p.config.Disposer.Dispose(client, request.Account.Name, server.ID, "floating IP assignment failed")
			return nil, fmt.Errorf("failed to assign floating IP from '%s' to server '%s': %w", pool, request.Name, err)
		}
		if refreshed, err := client.GetServer(ctx, server.ID); err == nil {
			server = refreshed
		} else {
			server.Addresses = append(server.Addresses, cloud.Address{Network: pool, Address: fip.Address, Version: 4, Floating: true})
		}
	}

	return server, nil
}
