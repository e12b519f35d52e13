package openstack

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
)

// Connector opens authenticated sessions and caches them per endpoint.
type Connector struct {
	config Config
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[cloud.Endpoint]*session
}

// session is authenticated at most once at a time, without holding the connector lock.
type session struct {
	mu     sync.Mutex
	client *Client
}

// Connector implements cloud.Connector
var _ cloud.Connector = (*Connector)(nil)

func NewConnector(config Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Connector{
		config:   config.withDefaults(),
		log:      logger,
		sessions: map[cloud.Endpoint]*session{},
	}
}

func (c *Connector) Connect(ctx context.Context, endpoint cloud.Endpoint) (cloud.Client, error) {
	c.mu.Lock()
	sess, ok := c.sessions[endpoint]
	if !ok {
		sess = &session{}
		c.sessions[endpoint] = sess
	}
	c.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.client != nil {
		return sess.client, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.AuthTimeout)
	defer cancel()
	client, err := c.authenticate(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	sess.client = client
	return client, nil
}

func (c *Connector) authenticate(ctx context.Context, endpoint cloud.Endpoint) (*Client, error) {
	provider, err := openstack.NewClient(endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client for '%s': %w", endpoint.Name, err)
	}
	provider.Context = ctx
	if endpoint.IgnoreSSL {
		provider.HTTPClient = http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}
	}

	opts := gophercloud.AuthOptions{
		IdentityEndpoint:            endpoint.URL,
		Username:                    endpoint.Username,
		Password:                    endpoint.Password,
		DomainName:                  endpoint.Domain,
		TenantName:                  endpoint.Project,
		ApplicationCredentialID:     endpoint.CredentialID,
		ApplicationCredentialSecret: endpoint.CredentialSecret,
		AllowReauth:                 true,
	}
	if opts.DomainName != "" && opts.TenantName != "" {
		opts.Scope = &gophercloud.AuthScope{ProjectName: opts.TenantName, DomainName: opts.DomainName}
	}

	if err := openstack.Authenticate(provider, opts); err != nil {
		return nil, translate(fmt.Sprintf("authenticate to '%s'", endpoint.Name), err)
	}
	// The session outlives the connecting request
	provider.Context = nil

	region := gophercloud.EndpointOpts{Region: endpoint.Region}

	compute, err := openstack.NewComputeV2(provider, region)
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}
	network, err := openstack.NewNetworkV2(provider, region)
	if err != nil {
		return nil, fmt.Errorf("failed to get network client: %w", err)
	}
	image, err := openstack.NewImageServiceV2(provider, region)
	if err != nil {
		return nil, fmt.Errorf("failed to get image client: %w", err)
	}
	volume, err := openstack.NewBlockStorageV3(provider, region)
	if err != nil {
		c.log.Debug("Block storage is not available, volume snapshots cannot be resolved", "account", endpoint.Name, "error", err)
		volume = nil
	}

	c.log.Info("Authenticated to OpenStack", "account", endpoint.Name, "endpoint", endpoint.URL)
	return newClient(c.config, c.log.With("account", endpoint.Name), compute, network, image, volume), nil
}
