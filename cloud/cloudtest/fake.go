// Package cloudtest provides an in-memory provider used by the engine tests.
package cloudtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/samber/lo"
)

type Client struct {
	mu sync.Mutex

	servers  map[string]cloud.Server
	fips     map[string]cloud.FloatingIP
	networks map[string]string
	capacity map[string]int64
	counter  int

	// Hooks, set before use
	Now        func() time.Time
	ListErr    error
	GetErr     error
	BootErr    error
	BootFunc   func(cloud.BootRequest) (*cloud.Server, error)
	AssignErr  error
	SanityErr  error
	ReleaseErr map[string]error
	DestroyErr error

	Booted    []cloud.BootRequest
	Destroyed []string
	Released  []string
	Lookups   []string
}

// Client implements cloud.Client
var _ cloud.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{
		servers:    map[string]cloud.Server{},
		fips:       map[string]cloud.FloatingIP{},
		networks:   map[string]string{},
		capacity:   map[string]int64{},
		ReleaseErr: map[string]error{},
		Now:        time.Now,
	}
}

// AddServer registers a server as if it had been booted earlier.
func (c *Client) AddServer(server cloud.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server.Status == "" {
		server.Status = cloud.StatusActive
	}
	c.servers[server.ID] = server
}

func (c *Client) SetServerStatus(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server, ok := c.servers[id]; ok {
		server.Status = status
		c.servers[id] = server
	}
}

func (c *Client) RemoveServer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, id)
}

func (c *Client) AddFloatingIP(fip cloud.FloatingIP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fips[fip.ID] = fip
}

func (c *Client) AddNetwork(name, id string, free int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networks[name] = id
	if free >= 0 {
		c.capacity[name] = free
	}
}

func (c *Client) Servers() []cloud.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedServers()
}

func (c *Client) FloatingIPs() []cloud.FloatingIP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Values(c.fips)
}

func (c *Client) DestroyedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Destroyed...)
}

func (c *Client) BootRequests() []cloud.BootRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cloud.BootRequest(nil), c.Booted...)
}

func (c *Client) ListServers(_ context.Context) ([]cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return c.sortedServers(), nil
}

func (c *Client) GetServer(_ context.Context, id string) (*cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Lookups = append(c.Lookups, id)
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	server, ok := c.servers[id]
	if !ok {
		return nil, fmt.Errorf("server '%s': %w", id, cloud.ErrNotFound)
	}
	return &server, nil
}

func (c *Client) ServersByName(_ context.Context, name string) ([]cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Filter(c.sortedServers(), func(s cloud.Server, _ int) bool { return s.Name == name }), nil
}

func (c *Client) BootAndWaitActive(_ context.Context, request cloud.BootRequest) (*cloud.Server, error) {
	c.mu.Lock()
	c.Booted = append(c.Booted, request)
	bootErr, bootFunc := c.BootErr, c.BootFunc
	c.mu.Unlock()

	if bootErr != nil {
		return nil, bootErr
	}
	if bootFunc != nil {
		server, err := bootFunc(request)
		if err != nil {
			return nil, err
		}
		c.AddServer(*server)
		return server, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	server := cloud.Server{
		ID:       fmt.Sprintf("srv-%d", c.counter),
		Name:     request.Name,
		Status:   cloud.StatusActive,
		Created:  c.Now(),
		Metadata: lo.Assign(request.Metadata),
		Addresses: []cloud.Address{
			{Network: "private", Address: fmt.Sprintf("10.0.0.%d", c.counter), Version: 4},
		},
	}
	c.servers[server.ID] = server
	return &server, nil
}

func (c *Client) DestroyServer(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DestroyErr != nil {
		return c.DestroyErr
	}
	c.Destroyed = append(c.Destroyed, id)
	delete(c.servers, id)
	for fipID, fip := range c.fips {
		if fip.ServerID == id {
			delete(c.fips, fipID)
		}
	}
	return nil
}

func (c *Client) AssignFloatingIP(_ context.Context, server *cloud.Server, pool string) (*cloud.FloatingIP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AssignErr != nil {
		return nil, c.AssignErr
	}
	c.counter++
	fip := cloud.FloatingIP{
		ID:       fmt.Sprintf("fip-%d", c.counter),
		Address:  fmt.Sprintf("203.0.113.%d", c.counter),
		ServerID: server.ID,
	}
	c.fips[fip.ID] = fip
	if stored, ok := c.servers[server.ID]; ok {
		stored.Addresses = append(stored.Addresses, cloud.Address{Network: pool, Address: fip.Address, Version: 4, Floating: true})
		c.servers[server.ID] = stored
	}
	return &fip, nil
}

func (c *Client) FreeFloatingIPs(_ context.Context) ([]cloud.FloatingIP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := lo.Filter(lo.Values(c.fips), func(fip cloud.FloatingIP, _ int) bool { return fip.ServerID == "" })
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return free, nil
}

func (c *Client) ReleaseFloatingIP(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ReleaseErr[id]; err != nil {
		return err
	}
	c.Released = append(c.Released, id)
	delete(c.fips, id)
	return nil
}

func (c *Client) ResolveNetworks(_ context.Context, names []string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resolved := map[string]string{}
	for _, name := range names {
		id, ok := c.networks[name]
		if !ok {
			return nil, fmt.Errorf("network '%s': %w", name, cloud.ErrNotFound)
		}
		resolved[name] = id
	}
	return resolved, nil
}

func (c *Client) NetworkCapacity(_ context.Context, names []string) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.PickByKeys(c.capacity, names), nil
}

func (c *Client) SanityCheck(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SanityErr
}

func (c *Client) sortedServers() []cloud.Server {
	servers := lo.Values(c.servers)
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers
}

// Connector hands out one fake client per endpoint name.
type Connector struct {
	mu      sync.Mutex
	clients map[string]*Client
	Err     error
}

var _ cloud.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{clients: map[string]*Client{}}
}

func (c *Connector) Client(name string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[name]
	if !ok {
		client = NewClient()
		c.clients[name] = client
	}
	return client
}

func (c *Connector) Connect(_ context.Context, endpoint cloud.Endpoint) (cloud.Client, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Client(endpoint.Name), nil
}
