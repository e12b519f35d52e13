package options

import (
	"time"

	"github.com/samber/lo"
)

// Built-in defaults, the root of the inheritance chain.
const (
	DefaultInstanceCap    = 10
	DefaultInstancesMin   = 0
	DefaultRetentionTime  = 30
	DefaultStartTimeout   = 10 * time.Minute
	DefaultNumExecutors   = 1
	DefaultFSRoot         = "/jenkins"
	DefaultSecurityGroups = "default"
)

// Retention sentinels
const (
	RetentionSingleUse = 0
)

func Defaults() Options {
	return Options{
		InstanceCap:    lo.ToPtr(DefaultInstanceCap),
		InstancesMin:   lo.ToPtr(DefaultInstancesMin),
		RetentionTime:  lo.ToPtr(DefaultRetentionTime),
		StartTimeout:   lo.ToPtr(Duration(DefaultStartTimeout)),
		NumExecutors:   lo.ToPtr(DefaultNumExecutors),
		FSRoot:         lo.ToPtr(DefaultFSRoot),
		SecurityGroups: lo.ToPtr(DefaultSecurityGroups),
		ConfigDrive:    lo.ToPtr(false),
		Launcher:       &Launcher{Kind: LauncherSSH, Port: 22},
	}
}

func (o Options) GetInstanceCap() int {
	return lo.FromPtrOr(o.InstanceCap, DefaultInstanceCap)
}

func (o Options) GetInstancesMin() int {
	return lo.FromPtrOr(o.InstancesMin, DefaultInstancesMin)
}

// GetRetentionTime returns the idle retention in minutes: 0 means single use, negative means forever.
func (o Options) GetRetentionTime() int {
	return lo.FromPtrOr(o.RetentionTime, DefaultRetentionTime)
}

func (o Options) GetStartTimeout() time.Duration {
	return time.Duration(lo.FromPtrOr(o.StartTimeout, Duration(DefaultStartTimeout)))
}

func (o Options) GetNumExecutors() int {
	return lo.FromPtrOr(o.NumExecutors, DefaultNumExecutors)
}

func (o Options) GetLauncher() Launcher {
	return lo.FromPtrOr(o.Launcher, Launcher{Kind: LauncherSSH, Port: 22})
}

func (o Options) IsSingleUse() bool {
	return o.GetRetentionTime() == RetentionSingleUse
}
