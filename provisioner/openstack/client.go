package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/bootfromvolume"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/samber/lo"
)

// Client is an authenticated session with one OpenStack project.
type Client struct {
	config Config
	log    *slog.Logger

	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	volume  *gophercloud.ServiceClient
}

// Client implements cloud.Client
var _ cloud.Client = (*Client)(nil)

func newClient(config Config, logger *slog.Logger, compute, network, image, volume *gophercloud.ServiceClient) *Client {
	return &Client{
		config:  config.withDefaults(),
		log:     logger,
		compute: compute,
		network: network,
		image:   image,
		volume:  volume,
	}
}

func (c *Client) isOurs(s *servers.Server) bool {
	return s.Metadata[cloud.MetaInstance] == c.config.Instance
}

func (c *Client) ListServers(ctx context.Context) ([]cloud.Server, error) {
	return c.listServers(ctx, servers.ListOpts{})
}

func (c *Client) ServersByName(ctx context.Context, name string) ([]cloud.Server, error) {
	found, err := c.listServers(ctx, servers.ListOpts{Name: "^" + regexp.QuoteMeta(name) + "$"})
	if err != nil {
		return nil, err
	}
	return lo.Filter(found, func(s cloud.Server, _ int) bool { return s.Name == name }), nil
}

func (c *Client) listServers(ctx context.Context, opts servers.ListOpts) ([]cloud.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages, err := servers.List(c.compute, opts).AllPages()
	if err != nil {
		return nil, translate("list servers", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, translate("extract servers", err)
	}

	var result []cloud.Server
	for i := range all {
		if c.isOurs(&all[i]) && all[i].Status != cloud.StatusDeleted {
			result = append(result, toServer(&all[i]))
		}
	}
	return result, nil
}

func (c *Client) GetServer(ctx context.Context, id string) (*cloud.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	server, err := servers.Get(c.compute, id).Extract()
	if err != nil {
		return nil, translate(fmt.Sprintf("get server '%s'", id), err)
	}
	if !c.isOurs(server) {
		return nil, fmt.Errorf("server '%s' belongs to another controller: %w", id, cloud.ErrNotFound)
	}
	result := toServer(server)
	return &result, nil
}

func (c *Client) BootAndWaitActive(ctx context.Context, request cloud.BootRequest) (*cloud.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder, err := c.createOpts(request)
	if err != nil {
		return nil, err
	}

	created, err := servers.Create(c.compute, builder).Extract()
	if err != nil {
		c.cleanupFailedBoot(ctx, request.Name)
		return nil, translate(fmt.Sprintf("create server '%s'", request.Name), err)
	}
	c.log.Debug("Created server, waiting for it to become active", "server", request.Name, "id", created.ID, "wait", request.Timeout)

	if err = servers.WaitForStatus(c.compute, created.ID, cloud.StatusActive, int(request.Timeout/time.Second)); err != nil {
		reason := err.Error()
		if current, getErr := servers.Get(c.compute, created.ID).Extract(); getErr == nil && current.Fault.Message != "" {
			reason = fmt.Sprintf("%s (status %s: %s)", reason, current.Status, current.Fault.Message)
		}
		if destroyErr := c.DestroyServer(ctx, created.ID); destroyErr != nil {
			c.log.Warn("Failed to destroy server that never became active", "server", request.Name, "id", created.ID, "error", destroyErr)
		}
		return nil, fmt.Errorf("server '%s' did not become active within %s: %s", request.Name, request.Timeout, reason)
	}

	active, err := servers.Get(c.compute, created.ID).Extract()
	if err != nil {
		return nil, translate(fmt.Sprintf("get server '%s'", request.Name), err)
	}
	result := toServer(active)
	return &result, nil
}

// cleanupFailedBoot destroys the server left behind by a create call that failed after the server got
// accepted, when it can be identified without doubt.
func (c *Client) cleanupFailedBoot(ctx context.Context, name string) {
	found, err := c.ServersByName(ctx, name)
	if err != nil || len(found) != 1 {
		return
	}
	c.log.Warn("Destroying server left behind by a failed boot", "server", name, "id", found[0].ID)
	if err := c.DestroyServer(ctx, found[0].ID); err != nil {
		c.log.Warn("Failed to destroy server left behind by a failed boot", "server", name, "error", err)
	}
}

func (c *Client) createOpts(request cloud.BootRequest) (servers.CreateOptsBuilder, error) {
	flavorID, err := c.flavorID(request.Flavor)
	if err != nil {
		return nil, err
	}

	base := servers.CreateOpts{
		Name:             request.Name,
		FlavorRef:        flavorID,
		SecurityGroups:   request.SecurityGroups,
		UserData:         request.UserData,
		AvailabilityZone: request.AvailabilityZone,
		Metadata:         request.Metadata,
		ConfigDrive:      lo.ToPtr(request.ConfigDrive),
		Networks: lo.Map(request.Networks, func(id string, _ int) servers.Network {
			return servers.Network{UUID: id}
		}),
	}

	var builder servers.CreateOptsBuilder
	switch source := request.BootSource; source.Kind {
	case options.BootSourceImage:
		if base.ImageRef, err = c.imageID(source.Name); err != nil {
			return nil, err
		}
		builder = base

	case options.BootSourceVolumeFromImage:
		imageID, err := c.imageID(source.Name)
		if err != nil {
			return nil, err
		}
		builder = bootfromvolume.CreateOptsExt{
			CreateOptsBuilder: base,
			BlockDevice: []bootfromvolume.BlockDevice{{
				SourceType:          bootfromvolume.SourceImage,
				DestinationType:     bootfromvolume.DestinationVolume,
				UUID:                imageID,
				VolumeSize:          source.VolumeSize,
				DeleteOnTermination: true,
			}},
		}

	case options.BootSourceVolumeSnapshot:
		snapshotID, err := c.snapshotID(source.Name)
		if err != nil {
			return nil, err
		}
		builder = bootfromvolume.CreateOptsExt{
			CreateOptsBuilder: base,
			BlockDevice: []bootfromvolume.BlockDevice{{
				SourceType:          bootfromvolume.SourceSnapshot,
				DestinationType:     bootfromvolume.DestinationVolume,
				UUID:                snapshotID,
				DeleteOnTermination: true,
			}},
		}

	default:
		return nil, fmt.Errorf("unknown boot source kind '%s'", source.Kind)
	}

	if request.KeyPair != "" {
		builder = keypairs.CreateOptsExt{CreateOptsBuilder: builder, KeyName: request.KeyPair}
	}
	return builder, nil
}

func (c *Client) flavorID(nameOrID string) (string, error) {
	pages, err := flavors.ListDetail(c.compute, flavors.ListOpts{AccessType: flavors.AllAccess}).AllPages()
	if err != nil {
		return "", translate("list flavors", err)
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", translate("extract flavors", err)
	}
	flavor, ok := lo.Find(all, func(f flavors.Flavor) bool { return f.ID == nameOrID || f.Name == nameOrID })
	if !ok {
		return "", fmt.Errorf("flavor '%s': %w", nameOrID, cloud.ErrNotFound)
	}
	return flavor.ID, nil
}

func (c *Client) imageID(nameOrID string) (string, error) {
	pages, err := images.List(c.image, images.ListOpts{Name: nameOrID}).AllPages()
	if err != nil {
		return "", translate("list images", err)
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return "", translate("extract images", err)
	}
	switch len(all) {
	case 1:
		return all[0].ID, nil
	case 0:
		image, err := images.Get(c.image, nameOrID).Extract()
		if err != nil {
			return "", fmt.Errorf("image '%s': %w", nameOrID, cloud.ErrNotFound)
		}
		return image.ID, nil
	default:
		// Several images share the name: the most recent one wins
		latest := lo.MaxBy(all, func(a, b images.Image) bool { return a.CreatedAt.After(b.CreatedAt) })
		return latest.ID, nil
	}
}

func (c *Client) snapshotID(nameOrID string) (string, error) {
	if c.volume == nil {
		return "", errors.New("block storage is not available for volume snapshots")
	}
	pages, err := snapshots.List(c.volume, snapshots.ListOpts{Name: nameOrID}).AllPages()
	if err != nil {
		return "", translate("list volume snapshots", err)
	}
	all, err := snapshots.ExtractSnapshots(pages)
	if err != nil {
		return "", translate("extract volume snapshots", err)
	}
	switch len(all) {
	case 1:
		return all[0].ID, nil
	case 0:
		snapshot, err := snapshots.Get(c.volume, nameOrID).Extract()
		if err != nil {
			return "", fmt.Errorf("volume snapshot '%s': %w", nameOrID, cloud.ErrNotFound)
		}
		return snapshot.ID, nil
	default:
		return "", fmt.Errorf("volume snapshot name '%s' is ambiguous, %d snapshots match", nameOrID, len(all))
	}
}

func (c *Client) DestroyServer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Look up the addresses before the ports vanish with the server
	fips, err := c.serverFloatingIPs(id)
	if err != nil {
		c.log.Warn("Failed to list floating IPs of server", "id", id, "error", err)
	}

	if err := servers.Delete(c.compute, id).ExtractErr(); err != nil && !isNotFound(err) {
		return translate(fmt.Sprintf("delete server '%s'", id), err)
	}

	for _, fip := range fips {
		if err := c.ReleaseFloatingIP(ctx, fip); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			c.log.Warn("Failed to release floating IP of deleted server", "id", id, "fip", fip, "error", err)
		}
	}
	return nil
}

func (c *Client) SanityCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := networks.List(c.network, networks.ListOpts{}).AllPages(); err != nil {
		return translate("list networks", err)
	}
	if _, err := flavors.ListDetail(c.compute, flavors.ListOpts{}).AllPages(); err != nil {
		return translate("list flavors", err)
	}
	return nil
}
