package scheduler

import (
	"context"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/registry"
)

// Provisioner brings up nodes on behalf of the scheduler and the balancer.
type Provisioner interface {
	// ProvisionNode blocks until the node is registered or provisioning failed.
	ProvisionNode(ctx context.Context, acc *account.Account, class *account.Class, overrides options.Options) (*registry.Node, error)
	// Client returns the provider session of an account.
	Client(ctx context.Context, acc *account.Account) (cloud.Client, error)
}
