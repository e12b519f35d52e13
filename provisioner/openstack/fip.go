package openstack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/ports"
)

// fipScope is stored as the description of every floating IP we allocate.
type fipScope struct {
	Instance string `json:"instance"`
	Scope    string `json:"scope"`
}

func fipDescription(instance, serverID string) string {
	data, _ := json.Marshal(fipScope{Instance: instance, Scope: "server:" + serverID})
	return string(data)
}

// parseFipDescription returns the owning instance and server id, if the description is one of ours.
func parseFipDescription(description string) (instance, serverID string, ok bool) {
	var scope fipScope
	if err := json.Unmarshal([]byte(description), &scope); err != nil || scope.Instance == "" {
		return "", "", false
	}
	serverID, found := strings.CutPrefix(scope.Scope, "server:")
	if !found {
		return "", "", false
	}
	return scope.Instance, serverID, true
}

func (c *Client) AssignFloatingIP(ctx context.Context, server *cloud.Server, pool string) (*cloud.FloatingIP, error) {
	poolID, err := c.networkID(pool)
	if err != nil {
		return nil, err
	}

	port, err := c.firstPort(ctx, server.ID)
	if err != nil {
		return nil, err
	}

	fip, err := floatingips.Create(c.network, floatingips.CreateOpts{
		FloatingNetworkID: poolID,
		PortID:            port.ID,
		Description:       fipDescription(c.config.Instance, server.ID),
	}).Extract()
	if err != nil {
		return nil, translate(fmt.Sprintf("allocate floating IP from '%s' for server '%s'", pool, server.Name), err)
	}

	c.log.Debug("Floating IP assigned", "server", server.Name, "fip", fip.FloatingIP)
	return &cloud.FloatingIP{ID: fip.ID, Address: fip.FloatingIP, ServerID: server.ID}, nil
}

// firstPort waits for the network port of a new server to show up.
func (c *Client) firstPort(ctx context.Context, serverID string) (*ports.Port, error) {
	for attempt := 1; ; attempt++ {
		pages, err := ports.List(c.network, ports.ListOpts{DeviceID: serverID}).AllPages()
		if err != nil {
			return nil, translate(fmt.Sprintf("list ports of server '%s'", serverID), err)
		}
		all, err := ports.ExtractPorts(pages)
		if err != nil {
			return nil, translate("extract ports", err)
		}
		if len(all) > 0 {
			return &all[0], nil
		}
		if attempt >= c.config.PortAttempts {
			return nil, fmt.Errorf("server '%s' has no port after %d attempts", serverID, attempt)
		}

		select {
		case <-time.After(c.config.PortInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) FreeFloatingIPs(ctx context.Context) ([]cloud.FloatingIP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := c.floatingIPs(floatingips.ListOpts{})
	if err != nil {
		return nil, err
	}

	var free []cloud.FloatingIP
	for _, fip := range all {
		instance, serverID, ok := parseFipDescription(fip.Description)
		if !ok || instance != c.config.Instance || fip.PortID != "" {
			continue
		}
		free = append(free, cloud.FloatingIP{ID: fip.ID, Address: fip.FloatingIP, ServerID: serverID})
	}
	return free, nil
}

func (c *Client) ReleaseFloatingIP(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := floatingips.Delete(c.network, id).ExtractErr(); err != nil {
		return translate(fmt.Sprintf("release floating IP '%s'", id), err)
	}
	return nil
}

// serverFloatingIPs returns the ids of our floating IPs attached to a server ports.
func (c *Client) serverFloatingIPs(serverID string) ([]string, error) {
	pages, err := ports.List(c.network, ports.ListOpts{DeviceID: serverID}).AllPages()
	if err != nil {
		return nil, translate(fmt.Sprintf("list ports of server '%s'", serverID), err)
	}
	serverPorts, err := ports.ExtractPorts(pages)
	if err != nil {
		return nil, translate("extract ports", err)
	}

	var ids []string
	for _, port := range serverPorts {
		fips, err := c.floatingIPs(floatingips.ListOpts{PortID: port.ID})
		if err != nil {
			return ids, err
		}
		for _, fip := range fips {
			if instance, _, ok := parseFipDescription(fip.Description); ok && instance == c.config.Instance {
				ids = append(ids, fip.ID)
			}
		}
	}
	return ids, nil
}

func (c *Client) floatingIPs(opts floatingips.ListOpts) ([]floatingips.FloatingIP, error) {
	pages, err := floatingips.List(c.network, opts).AllPages()
	if err != nil {
		return nil, translate("list floating IPs", err)
	}
	all, err := floatingips.ExtractFloatingIPs(pages)
	if err != nil {
		return nil, translate("extract floating IPs", err)
	}
	return all, nil
}

func (c *Client) networkID(nameOrID string) (string, error) {
	pages, err := networks.List(c.network, networks.ListOpts{Name: nameOrID}).AllPages()
	if err != nil {
		return "", translate(fmt.Sprintf("look up network '%s'", nameOrID), err)
	}
	all, err := networks.ExtractNetworks(pages)
	if err != nil {
		return "", translate("extract networks", err)
	}
	switch len(all) {
	case 1:
		return all[0].ID, nil
	case 0:
		network, err := networks.Get(c.network, nameOrID).Extract()
		if err != nil {
			return "", fmt.Errorf("network '%s': %w", nameOrID, cloud.ErrNotFound)
		}
		return network.ID, nil
	default:
		return "", fmt.Errorf("network name '%s' is ambiguous, %d networks match", nameOrID, len(all))
	}
}
