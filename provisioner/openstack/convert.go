package openstack

import (
	"sort"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

func toServer(s *servers.Server) cloud.Server {
	server := cloud.Server{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		Created:   s.Created,
		Metadata:  lo.Assign(s.Metadata),
		Addresses: toAddresses(s.Addresses),
	}
	if s.Fault.Message != "" {
		server.Fault = s.Fault.Message
	}
	return server
}

// toAddresses flattens the nova "addresses" document, one entry per network name.
func toAddresses(raw map[string]interface{}) []cloud.Address {
	networks := lo.Keys(raw)
	sort.Strings(networks)

	var addresses []cloud.Address
	for _, network := range networks {
		entries, ok := raw[network].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range entries {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			address, _ := fields["addr"].(string)
			version, _ := fields["version"].(float64)
			kind, _ := fields["OS-EXT-IPS:type"].(string)
			if address == "" {
				continue
			}
			addresses = append(addresses, cloud.Address{
				Network:  network,
				Address:  address,
				Version:  int(version),
				Floating: kind == "floating",
			})
		}
	}
	return addresses
}
