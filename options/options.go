package options

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

type BootSourceKind string

const (
	BootSourceImage           BootSourceKind = "image"
	BootSourceVolumeSnapshot  BootSourceKind = "volume-snapshot"
	BootSourceVolumeFromImage BootSourceKind = "volume-from-image"
)

// BootSource names what a server boots from. VolumeSize is only used for volume-from-image, in GiB.
type BootSource struct {
	Kind       BootSourceKind `json:"kind" yaml:"kind"`
	Name       string         `json:"name" yaml:"name"`
	VolumeSize int            `json:"volume-size,omitempty" yaml:"volume-size,omitempty"`
}

type LauncherKind string

const (
	LauncherSSH   LauncherKind = "ssh"
	LauncherAgent LauncherKind = "agent"
	LauncherStub  LauncherKind = "stub"
)

// Launcher describes how the controller connects to a freshly booted node.
type Launcher struct {
	Kind    LauncherKind `json:"kind" yaml:"kind"`
	User    string       `json:"user,omitempty" yaml:"user,omitempty"`
	Port    int          `json:"port,omitempty" yaml:"port,omitempty"`
	KeyFile string       `json:"key-file,omitempty" yaml:"key-file,omitempty"`
}

// Options is an immutable bag of node settings where a nil field means "inherit".
// Methods never mutate the receiver.
type Options struct {
	BootSource       *BootSource `json:"boot-source,omitempty" yaml:"boot-source,omitempty"`
	Flavor           *string     `json:"flavor,omitempty" yaml:"flavor,omitempty"`
	Networks         *string     `json:"networks,omitempty" yaml:"networks,omitempty"`
	SecurityGroups   *string     `json:"security-groups,omitempty" yaml:"security-groups,omitempty"`
	KeyPair          *string     `json:"key-pair,omitempty" yaml:"key-pair,omitempty"`
	AvailabilityZone *string     `json:"availability-zone,omitempty" yaml:"availability-zone,omitempty"`
	FloatingIPPool   *string     `json:"floating-ip-pool,omitempty" yaml:"floating-ip-pool,omitempty"`
	BootScript       *string     `json:"boot-script,omitempty" yaml:"boot-script,omitempty"`
	ConfigDrive      *bool       `json:"config-drive,omitempty" yaml:"config-drive,omitempty"`
	InstanceCap      *int        `json:"instance-cap,omitempty" yaml:"instance-cap,omitempty"`
	InstancesMin     *int        `json:"instances-min,omitempty" yaml:"instances-min,omitempty"`
	StartTimeout     *Duration   `json:"start-timeout,omitempty" yaml:"start-timeout,omitempty"`
	NumExecutors     *int        `json:"num-executors,omitempty" yaml:"num-executors,omitempty"`
	RetentionTime    *int        `json:"retention-time,omitempty" yaml:"retention-time,omitempty"`
	FSRoot           *string     `json:"fs-root,omitempty" yaml:"fs-root,omitempty"`
	AgentOptions     *string     `json:"agent-options,omitempty" yaml:"agent-options,omitempty"`
	Launcher         *Launcher   `json:"launcher,omitempty" yaml:"launcher,omitempty"`
}

var (
	ErrMissingFlavor     = errors.New("flavor is not set")
	ErrMissingBootSource = errors.New("boot source is not set")
)

// Override returns a copy of o where every field set in other replaces the value of o.
func (o Options) Override(other Options) Options {
	return Options{
		BootSource:       override(o.BootSource, other.BootSource),
		Flavor:           override(o.Flavor, other.Flavor),
		Networks:         override(o.Networks, other.Networks),
		SecurityGroups:   override(o.SecurityGroups, other.SecurityGroups),
		KeyPair:          override(o.KeyPair, other.KeyPair),
		AvailabilityZone: override(o.AvailabilityZone, other.AvailabilityZone),
		FloatingIPPool:   override(o.FloatingIPPool, other.FloatingIPPool),
		BootScript:       override(o.BootScript, other.BootScript),
		ConfigDrive:      override(o.ConfigDrive, other.ConfigDrive),
		InstanceCap:      override(o.InstanceCap, other.InstanceCap),
		InstancesMin:     override(o.InstancesMin, other.InstancesMin),
		StartTimeout:     override(o.StartTimeout, other.StartTimeout),
		NumExecutors:     override(o.NumExecutors, other.NumExecutors),
		RetentionTime:    override(o.RetentionTime, other.RetentionTime),
		FSRoot:           override(o.FSRoot, other.FSRoot),
		AgentOptions:     override(o.AgentOptions, other.AgentOptions),
		Launcher:         override(o.Launcher, other.Launcher),
	}
}

// EraseDefaults returns a copy of o without the values that are identical in parent.
// For any c that sets at least the fields parent sets, parent.Override(c.EraseDefaults(parent)) equals c.
func (o Options) EraseDefaults(parent Options) Options {
	return Options{
		BootSource:       erase(o.BootSource, parent.BootSource),
		Flavor:           erase(o.Flavor, parent.Flavor),
		Networks:         erase(o.Networks, parent.Networks),
		SecurityGroups:   erase(o.SecurityGroups, parent.SecurityGroups),
		KeyPair:          erase(o.KeyPair, parent.KeyPair),
		AvailabilityZone: erase(o.AvailabilityZone, parent.AvailabilityZone),
		FloatingIPPool:   erase(o.FloatingIPPool, parent.FloatingIPPool),
		BootScript:       erase(o.BootScript, parent.BootScript),
		ConfigDrive:      erase(o.ConfigDrive, parent.ConfigDrive),
		InstanceCap:      erase(o.InstanceCap, parent.InstanceCap),
		InstancesMin:     erase(o.InstancesMin, parent.InstancesMin),
		StartTimeout:     erase(o.StartTimeout, parent.StartTimeout),
		NumExecutors:     erase(o.NumExecutors, parent.NumExecutors),
		RetentionTime:    erase(o.RetentionTime, parent.RetentionTime),
		FSRoot:           erase(o.FSRoot, parent.FSRoot),
		AgentOptions:     erase(o.AgentOptions, parent.AgentOptions),
		Launcher:         erase(o.Launcher, parent.Launcher),
	}
}

// Normalize maps empty values coming from configuration files to nil, so that they inherit.
func (o Options) Normalize() Options {
	o.Flavor = blank(o.Flavor)
	o.Networks = blank(o.Networks)
	o.SecurityGroups = blank(o.SecurityGroups)
	o.KeyPair = blank(o.KeyPair)
	o.AvailabilityZone = blank(o.AvailabilityZone)
	o.FloatingIPPool = blank(o.FloatingIPPool)
	o.BootScript = blank(o.BootScript)
	o.FSRoot = blank(o.FSRoot)
	o.AgentOptions = blank(o.AgentOptions)
	if o.BootSource != nil && o.BootSource.Name == "" {
		o.BootSource = nil
	}
	if o.Launcher != nil && o.Launcher.Kind == "" {
		o.Launcher = nil
	}
	return o
}

// Validate checks that effective options are complete enough to boot a server.
func (o Options) Validate() error {
	if lo.FromPtr(o.Flavor) == "" {
		return ErrMissingFlavor
	}
	if o.BootSource == nil {
		return ErrMissingBootSource
	}
	switch o.BootSource.Kind {
	case BootSourceImage, BootSourceVolumeSnapshot:
	case BootSourceVolumeFromImage:
		if o.BootSource.VolumeSize <= 0 {
			return fmt.Errorf("volume size must be positive to boot from image '%s'", o.BootSource.Name)
		}
	default:
		return fmt.Errorf("unknown boot source kind '%s'", o.BootSource.Kind)
	}
	if o.StartTimeout != nil && *o.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive, got %s", *o.StartTimeout)
	}
	if o.NumExecutors != nil && *o.NumExecutors < 1 {
		return fmt.Errorf("executor count must be at least 1, got %d", *o.NumExecutors)
	}
	if o.Launcher != nil {
		switch o.Launcher.Kind {
		case LauncherSSH, LauncherAgent, LauncherStub:
		default:
			return fmt.Errorf("unknown launcher kind '%s'", o.Launcher.Kind)
		}
	}
	return nil
}

func override[T any](base, other *T) *T {
	if other != nil {
		return other
	}
	return base
}

func erase[T comparable](value, parent *T) *T {
	if value == nil || parent == nil {
		return value
	}
	if *value == *parent {
		return nil
	}
	return value
}

func blank(s *string) *string {
	if s != nil && *s == "" {
		return nil
	}
	return s
}
