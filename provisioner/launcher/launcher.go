package launcher

import (
	"context"
	"fmt"

	"github.com/gammadia/cumulus/options"
)

// Target is the node a launcher connects to.
type Target struct {
	Name    string
	Address string
	Options options.Options
}

// Transport is the live connection to a launched node.
type Transport interface {
	Close() error
}

// Launcher brings a booted server to the point where it can run tasks.
type Launcher interface {
	// StillWaitingFor returns why the node is not ready yet, or "" once it is.
	// An error means the node will never become ready.
	StillWaitingFor(ctx context.Context, target Target) (string, error)
	// Connect opens the transport to a ready node.
	Connect(ctx context.Context, target Target) (Transport, error)
}

// Set holds one launcher per kind.
type Set struct {
	SSH   *SSH
	Agent *Agent
	Stub  *Stub
}

func (s *Set) For(kind options.LauncherKind) (Launcher, error) {
	var l Launcher
	switch kind {
	case options.LauncherSSH:
		if s.SSH != nil {
			l = s.SSH
		}
	case options.LauncherAgent:
		if s.Agent != nil {
			l = s.Agent
		}
	case options.LauncherStub:
		if s.Stub != nil {
			l = s.Stub
		}
	}
	if l == nil {
		return nil, fmt.Errorf("no launcher available for kind '%s'", kind)
	}
	return l, nil
}

type nopTransport struct{}

func (nopTransport) Close() error { return nil }

// Stub considers every node ready as soon as its server is active.
type Stub struct{}

var _ Launcher = (*Stub)(nil)

func (*Stub) StillWaitingFor(context.Context, Target) (string, error) { return "", nil }

func (*Stub) Connect(context.Context, Target) (Transport, error) { return nopTransport{}, nil }
