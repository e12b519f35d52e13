package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/provisioner/bootscript"
	"github.com/gammadia/cumulus/provisioner/disposer"
	"github.com/gammadia/cumulus/provisioner/launcher"
	"github.com/gammadia/cumulus/registry"
)

// DefaultPollInterval is the delay between two readiness checks of a launching node.
const DefaultPollInterval = 6 * time.Second

// ProvisioningFailedError is returned when a node could not be brought up.
// The server, if any was created, has been handed to the disposer.
type ProvisioningFailedError struct {
	Class string
	Err   error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("failed to provision node of class '%s': %v", e.Class, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error {
	return e.Err
}

type Config struct {
	Logger        *slog.Logger         `json:"-"`
	Connector     cloud.Connector      `json:"-"`
	Registry      *registry.Registry   `json:"-"`
	Activities    *activity.Tracker    `json:"-"`
	Disposer      *disposer.Disposer   `json:"-"`
	Launchers     *launcher.Set        `json:"-"`
	BootScripts   *bootscript.Renderer `json:"-"`
	Clock         func() time.Time     `json:"-"`
	Instance      string               `json:"instance"`
	ControllerURL string               `json:"controller-url"`
	PollInterval  time.Duration        `json:"poll-interval"`
}

// Provisioner creates servers and turns them into registered nodes.
type Provisioner struct {
	config Config
	log    *slog.Logger

	mu         sync.Mutex
	transports map[string]launcher.Transport
}

func New(config Config) *Provisioner {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BootScripts == nil {
		config.BootScripts = &bootscript.Renderer{}
	}
	if config.Launchers == nil {
		config.Launchers = &launcher.Set{Stub: &launcher.Stub{}}
	}

	return &Provisioner{
		config:     config,
		log:        config.Logger,
		transports: map[string]launcher.Transport{},
	}
}

// Client opens (or reuses) the provider session of an account.
func (p *Provisioner) Client(ctx context.Context, acc *account.Account) (cloud.Client, error) {
	client, err := p.config.Connector.Connect(ctx, acc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to account '%s': %w", acc.Name, err)
	}
	return client, nil
}

// Terminate unregisters a node and disposes of its server in the background.
// It is a no-op for nodes that are already gone.
func (p *Provisioner) Terminate(ctx context.Context, acc *account.Account, node *registry.Node, reason string) error {
	client, err := p.Client(ctx, acc)
	if err != nil {
		return err
	}

	if _, ok := p.config.Registry.Remove(node.Name()); !ok {
		return nil
	}
	p.log.Info("Terminating node", "node", node.Name(), "server", node.ServerID(), "reason", reason)

	p.closeTransport(node.Name())
	if node.ServerID() != "" {
		p.config.Disposer.Dispose(client, acc.Name, node.ServerID(), reason)
	}
	if node.Fingerprint() != "" {
		if err := p.config.Activities.Complete(node.Fingerprint()); err != nil {
			p.log.Debug("Node has no activity to complete", "node", node.Name(), "error", err)
		}
	}
	return nil
}

func (p *Provisioner) closeTransport(name string) {
	p.mu.Lock()
	transport, ok := p.transports[name]
	delete(p.transports, name)
	p.mu.Unlock()

	if ok {
		if err := transport.Close(); err != nil {
			p.log.Debug("Failed to close node transport", "node", name, "error", err)
		}
	}
}

// IsAuthFailure reports whether err comes from rejected credentials.
func IsAuthFailure(err error) bool {
	return errors.Is(err, cloud.ErrAuth)
}
