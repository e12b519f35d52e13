package openstack

import "time"

type Config struct {
	// Instance identifies this controller. It is written on every server and floating IP so that
	// listings only return our own resources.
	Instance string `json:"instance"`
	// PortInterval is the delay between two lookups of a new server port.
	PortInterval time.Duration `json:"port-interval"`
	// PortAttempts is how many times a new server port is looked up when assigning a floating IP.
	PortAttempts int `json:"port-attempts"`
	// AuthTimeout bounds the identity service calls made when opening a session.
	AuthTimeout time.Duration `json:"auth-timeout"`
}

func (c Config) withDefaults() Config {
	if c.PortInterval <= 0 {
		c.PortInterval = time.Second
	}
	if c.PortAttempts <= 0 {
		c.PortAttempts = 30
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	return c
}
