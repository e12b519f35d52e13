package cloud

import (
	"context"
	"time"

	"github.com/gammadia/cumulus/options"
)

// Endpoint holds what is needed to open a session with a provider account.
type Endpoint struct {
	Name             string `json:"name" yaml:"name"`
	URL              string `json:"url" yaml:"url"`
	Region           string `json:"region,omitempty" yaml:"region,omitempty"`
	Domain           string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Project          string `json:"project,omitempty" yaml:"project,omitempty"`
	Username         string `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string `json:"-" yaml:"password,omitempty"`
	CredentialID     string `json:"-" yaml:"application-credential-id,omitempty"`
	CredentialSecret string `json:"-" yaml:"application-credential-secret,omitempty"`
	IgnoreSSL        bool   `json:"ignore-ssl,omitempty" yaml:"ignore-ssl,omitempty"`
}

type BootRequest struct {
	Name             string
	BootSource       options.BootSource
	Flavor           string
	Networks         []string
	SecurityGroups   []string
	KeyPair          string
	AvailabilityZone string
	UserData         []byte
	ConfigDrive      bool
	Metadata         map[string]string
	Timeout          time.Duration
}

type FloatingIP struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	ServerID string `json:"server-id,omitempty"`
}

// Client is a session with one provider account.
// Listing operations only return resources created by this controller instance.
type Client interface {
	// ListServers returns the servers owned by this controller instance.
	ListServers(ctx context.Context) ([]Server, error)
	// GetServer returns ErrNotFound when the server does not exist anymore.
	GetServer(ctx context.Context, id string) (*Server, error)
	ServersByName(ctx context.Context, name string) ([]Server, error)
	// BootAndWaitActive creates a server and blocks until it is ACTIVE or request.Timeout elapses.
	BootAndWaitActive(ctx context.Context, request BootRequest) (*Server, error)
	// DestroyServer deletes a server and releases its floating IPs. Missing servers are not an error.
	DestroyServer(ctx context.Context, id string) error
	AssignFloatingIP(ctx context.Context, server *Server, pool string) (*FloatingIP, error)
	// FreeFloatingIPs returns floating IPs allocated by this controller that are not attached.
	FreeFloatingIPs(ctx context.Context) ([]FloatingIP, error)
	ReleaseFloatingIP(ctx context.Context, id string) error
	// ResolveNetworks maps network names (or ids) to network ids.
	ResolveNetworks(ctx context.Context, names []string) (map[string]string, error)
	// NetworkCapacity returns the free address count per network name. An empty map means
	// the provider does not report capacities.
	NetworkCapacity(ctx context.Context, names []string) (map[string]int64, error)
	// SanityCheck performs cheap authenticated calls to validate the credentials.
	SanityCheck(ctx context.Context) error
}

type Connector interface {
	Connect(ctx context.Context, endpoint Endpoint) (Client, error)
}
