package openstack

import (
	"context"
	"math/big"

	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/networkipavailabilities"
)

func (c *Client) ResolveNetworks(ctx context.Context, names []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(names))
	for _, name := range names {
		if _, done := resolved[name]; done {
			continue
		}
		id, err := c.networkID(name)
		if err != nil {
			return nil, err
		}
		resolved[name] = id
	}
	return resolved, nil
}

// NetworkCapacity reads the IP availability extension. Providers that do not expose it to the
// account yield an empty map.
func (c *Client) NetworkCapacity(ctx context.Context, names []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages, err := networkipavailabilities.List(c.network, networkipavailabilities.ListOpts{}).AllPages()
	if err != nil {
		if isNotFound(err) || isForbidden(err) {
			c.log.Debug("Network IP availability is not available", "error", err)
			return map[string]int64{}, nil
		}
		return nil, translate("list network IP availabilities", err)
	}
	all, err := networkipavailabilities.ExtractNetworkIPAvailabilities(pages)
	if err != nil {
		return nil, translate("extract network IP availabilities", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	capacity := map[string]int64{}
	for _, availability := range all {
		key := availability.NetworkName
		if !wanted[key] {
			key = availability.NetworkID
			if !wanted[key] {
				continue
			}
		}
		capacity[key] = freeIPs(availability.TotalIPs, availability.UsedIPs)
	}
	return capacity, nil
}

// freeIPs computes total - used from the decimal strings of the API. IPv6 subnets report sizes that
// overflow int64, those are capped.
func freeIPs(total, used string) int64 {
	t, ok := new(big.Int).SetString(total, 10)
	if !ok {
		return 0
	}
	u, ok := new(big.Int).SetString(used, 10)
	if !ok {
		u = big.NewInt(0)
	}
	free := new(big.Int).Sub(t, u)
	switch {
	case free.Sign() < 0:
		return 0
	case !free.IsInt64():
		return 1<<63 - 1
	default:
		return free.Int64()
	}
}
