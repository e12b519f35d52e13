package cloud

import (
	"time"

	"github.com/samber/lo"
)

// Metadata keys written on every server at creation.
const (
	MetaCloudName    = "cloud-name"
	MetaClassName    = "template-name"
	MetaScope        = "scope"
	MetaNetworkOrder = "network-order"
	MetaInstance     = "instance"
)

const (
	StatusActive    = "ACTIVE"
	StatusBuild     = "BUILD"
	StatusError     = "ERROR"
	StatusUnknown   = "UNKNOWN"
	StatusMigrating = "MIGRATING"
	StatusShutoff   = "SHUTOFF"
	StatusDeleted   = "DELETED"
)

type Address struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	Version  int    `json:"version"`
	Floating bool   `json:"floating"`
}

type Server struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Created   time.Time         `json:"created"`
	Metadata  map[string]string `json:"metadata"`
	Addresses []Address         `json:"addresses"`
	Fault     string            `json:"fault,omitempty"`
}

// Occupied reports whether the server still holds provider resources that are worth tracking.
func (s *Server) Occupied() bool {
	switch s.Status {
	case StatusUnknown, StatusMigrating, StatusShutoff, StatusDeleted:
		return false
	}
	return true
}

func (s *Server) Meta(key string) string {
	return s.Metadata[key]
}

// AccessAddress picks the address used to reach the server:
// floating IPv4, floating IPv6, fixed IPv4 then fixed IPv6.
func (s *Server) AccessAddress() string {
	for _, floating := range []bool{true, false} {
		for _, version := range []int{4, 6} {
			if address, ok := lo.Find(s.Addresses, func(a Address) bool {
				return a.Floating == floating && a.Version == version
			}); ok {
				return address.Address
			}
		}
	}
	return ""
}

// Age returns how long ago the server was created, relative to now.
func (s *Server) Age(now time.Time) time.Duration {
	return now.Sub(s.Created)
}
