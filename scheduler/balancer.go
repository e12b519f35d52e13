package scheduler

import (
	"context"
	"io"
	"log/slog"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scheduler/internal"
	"github.com/samber/lo"
)

// Balancer keeps a standing floor of ready nodes for classes that configure one.
// Its nodes are submitted through the scheduler so that both count each other's provisioning.
type Balancer struct {
	accounts  []*account.Account
	scheduler *Scheduler
	registry  *registry.Registry
	log       *slog.Logger
}

// Balancer implements FloorKeeper
var _ FloorKeeper = (*Balancer)(nil)

func NewBalancer(accounts []*account.Account, scheduler *Scheduler, nodes *registry.Registry, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Balancer{
		accounts:  accounts,
		scheduler: scheduler,
		registry:  nodes,
		log:       logger,
	}
}

// Run provisions, one at a time, the nodes missing to meet every class floor.
func (b *Balancer) Run(ctx context.Context) {
	for _, acc := range b.accounts {
		for _, class := range acc.Classes {
			if acc.ClassOptions(class).GetInstancesMin() <= 0 {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.balance(ctx, acc, class)
		}
	}
}

func (b *Balancer) balance(ctx context.Context, acc *account.Account, class *account.Class) {
	log := b.log.With("account", acc.Name, "class", class.Name)

	planned, missing, err := b.plan(ctx, acc, class)
	if err != nil {
		logProviderError(log, "Failed to compute standing floor", err)
		return
	}
	if planned == nil {
		return
	}

	log.Info("Pre-creating nodes", "count", missing)
	for attempt := 1; ; attempt++ {
		if _, err := planned.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to pre-create node", "error", err)
		}
		if attempt >= missing {
			return
		}

		// Caps are checked again, the scheduler may have started nodes meanwhile
		if planned, _, err = b.plan(ctx, acc, class); err != nil {
			logProviderError(log, "Failed to compute standing floor", err)
			return
		}
		if planned == nil {
			return
		}
	}
}

// plan submits one node when the floor of class is not met, along with the number of missing
// nodes. The node is nil when nothing is missing.
func (b *Balancer) plan(ctx context.Context, acc *account.Account, class *account.Class) (*PlannedNode, int, error) {
	defer b.scheduler.lockAccount(acc.Name)()

	desired, err := b.Desired(ctx, acc, class)
	if err != nil || desired <= 0 {
		return nil, 0, err
	}
	planned, err := b.scheduler.submit(ctx, acc, class, options.Options{})
	return planned, desired, err
}

// Desired returns how many nodes must be started to meet the floor of class.
func (b *Balancer) Desired(ctx context.Context, acc *account.Account, class *account.Class) (int, error) {
	opts := acc.ClassOptions(class)
	floor := opts.GetInstancesMin()
	if floor <= 0 {
		return 0, nil
	}

	// Nodes still provisioning will be ready and already hold their share of the caps
	inflightClass := b.scheduler.inflightCount(acc.Name, class.Name)
	available := b.Available(acc.Name, class.Name) + inflightClass
	classCap := opts.GetInstanceCap()
	globalCap := acc.EffectiveOptions().GetInstanceCap()
	if available >= floor || available >= classCap {
		return 0, nil
	}

	client, err := b.scheduler.provisioner.Client(ctx, acc)
	if err != nil {
		return 0, err
	}
	servers, err := client.ListServers(ctx)
	if err != nil {
		return 0, err
	}
	servers = lo.Filter(servers, func(server cloud.Server, _ int) bool { return acc.HasProvisioned(&server) })
	remoteClass := lo.CountBy(servers, func(server cloud.Server) bool {
		return server.Meta(cloud.MetaClassName) == class.Name
	})
	localClass := len(b.registry.ForClass(acc.Name, class.Name)) + inflightClass
	localNodes := len(b.registry.ForAccount(acc.Name)) + b.scheduler.inflightCount(acc.Name, "")

	desired := internal.NbNodesToPrecreate(floor, classCap, globalCap, available, max(localClass, remoteClass))
	return min(desired, internal.Headroom(globalCap, localNodes, len(servers))), nil
}

// Available counts the nodes of a class able to take work right away.
func (b *Balancer) Available(account, class string) int {
	return lo.CountBy(b.registry.ForClass(account, class), func(node *registry.Node) bool {
		if node.IsPendingDelete() || node.IsOffline() || node.IsConnecting() {
			return false
		}
		// A busy single-use node will not come back, it must be replaced
		if node.Options().IsSingleUse() && node.IsBusy() {
			return false
		}
		return true
	})
}

// NeededReady reports whether node must be kept to meet the floor of its class.
func (b *Balancer) NeededReady(node *registry.Node) bool {
	floor := node.Options().GetInstancesMin()
	if floor <= 0 {
		return false
	}
	return b.Available(node.Account(), node.Class()) <= floor
}
