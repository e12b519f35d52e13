package scope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/cloud"
)

type Kind string

const (
	KindNode      Kind = "node"
	KindRun       Kind = "run"
	KindTime      Kind = "time"
	KindUnlimited Kind = "unlimited"
)

// TimeLayout is the format of time scope specifiers, interpreted in the controller local time zone.
const TimeLayout = "2006-01-02 15:04:05"

// ProvisioningGrace is how long an unknown server of a node scope is kept, so that a server
// created before its node got registered is not destroyed.
const ProvisioningGrace = time.Hour

// ErrAmbiguous is returned when a scope tag cannot be interpreted.
// Callers must not take destructive action on such servers.
var ErrAmbiguous = errors.New("ambiguous scope")

// Env gives scopes read access to the controller state.
type Env interface {
	// LocalNode returns the fingerprint of the registered node with that name.
	LocalNode(name string) (fingerprint string, ok bool)
	ActivityPhase(fingerprint string) (activity.Phase, bool)
	RunActive(project string, number int) bool
	Now() time.Time
}

// Scope decides whether a server is still wanted by the controller.
type Scope interface {
	Kind() Kind
	Specifier() string
	String() string
	InScope(server *cloud.Server, env Env) bool
}

var (
	_ Scope = Node{}
	_ Scope = Run{}
	_ Scope = Time{}
	_ Scope = Unlimited{}
)

// Parse reads a "kind:specifier" tag.
func Parse(tag string) (Scope, error) {
	if tag == string(KindUnlimited) || strings.HasPrefix(tag, string(KindUnlimited)+":") {
		return Unlimited{}, nil
	}

	kind, specifier, ok := strings.Cut(tag, ":")
	if !ok || specifier == "" {
		return nil, fmt.Errorf("%w: '%s' has no specifier", ErrAmbiguous, tag)
	}

	switch Kind(kind) {
	case KindNode:
		name, fingerprint, _ := strings.Cut(specifier, ":")
		if name == "" {
			return nil, fmt.Errorf("%w: '%s' has no node name", ErrAmbiguous, tag)
		}
		return Node{Name: name, Fingerprint: fingerprint}, nil

	case KindRun:
		i := strings.LastIndex(specifier, ":")
		if i <= 0 {
			return nil, fmt.Errorf("%w: '%s' is not project:number", ErrAmbiguous, tag)
		}
		number, err := strconv.Atoi(specifier[i+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: '%s' has an invalid run number: %w", ErrAmbiguous, tag, err)
		}
		return Run{Project: specifier[:i], Number: number}, nil

	case KindTime:
		deadline, err := time.ParseInLocation(TimeLayout, specifier, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s' has an invalid deadline: %w", ErrAmbiguous, tag, err)
		}
		return Time{Deadline: deadline}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind '%s'", ErrAmbiguous, kind)
	}
}

// FromServer extracts the scope of a server. Servers without a scope tag are unlimited.
func FromServer(server *cloud.Server) (Scope, error) {
	tag, ok := server.Metadata[cloud.MetaScope]
	if !ok {
		return Unlimited{}, nil
	}
	return Parse(tag)
}

func format(s Scope) string {
	return fmt.Sprintf("%s:%s", s.Kind(), s.Specifier())
}

// Node ties a server to a named node and, optionally, to the provisioning attempt that created it.
type Node struct {
	Name        string
	Fingerprint string
}

func (s Node) Kind() Kind { return KindNode }

func (s Node) Specifier() string {
	if s.Fingerprint == "" {
		return s.Name
	}
	return s.Name + ":" + s.Fingerprint
}

func (s Node) String() string { return format(s) }

func (s Node) InScope(server *cloud.Server, env Env) bool {
	if fingerprint, ok := env.LocalNode(s.Name); ok {
		if s.Fingerprint == "" || s.Fingerprint == fingerprint {
			return true
		}
	}

	if s.Fingerprint != "" {
		if phase, ok := env.ActivityPhase(s.Fingerprint); ok {
			return phase.Active()
		}
	}

	return server.Age(env.Now()) < ProvisioningGrace
}

// Run ties a server to a single orchestrator run.
type Run struct {
	Project string
	Number  int
}

func (s Run) Kind() Kind { return KindRun }

func (s Run) Specifier() string { return fmt.Sprintf("%s:%d", s.Project, s.Number) }

func (s Run) String() string { return format(s) }

func (s Run) InScope(_ *cloud.Server, env Env) bool {
	return env.RunActive(s.Project, s.Number)
}

// Time keeps a server until a deadline computed on the controller clock.
type Time struct {
	Deadline time.Time
}

// NewTime returns a scope expiring after d, counted from now.
func NewTime(now time.Time, d time.Duration) Time {
	return Time{Deadline: now.Add(d)}
}

func (s Time) Kind() Kind { return KindTime }

func (s Time) Specifier() string { return s.Deadline.In(time.Local).Format(TimeLayout) }

func (s Time) String() string { return format(s) }

func (s Time) InScope(_ *cloud.Server, env Env) bool {
	return env.Now().Before(s.Deadline)
}

type Unlimited struct{}

func (s Unlimited) Kind() Kind { return KindUnlimited }

func (s Unlimited) Specifier() string { return string(KindUnlimited) }

func (s Unlimited) String() string { return format(s) }

func (s Unlimited) InScope(*cloud.Server, Env) bool { return true }
