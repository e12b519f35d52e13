package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/scheduler/internal"
	"github.com/samber/lo"
)

var (
	ErrCapReached   = errors.New("instance cap reached")
	ErrUnknownClass = errors.New("unknown class")
	ErrShutdown     = errors.New("scheduler is shutting down")
)

type classKey struct {
	account string
	class   string
}

// Scheduler decides which classes to provision from and runs provisioning on a bounded pool.
type Scheduler struct {
	provisioner Provisioner
	registry    *registry.Registry
	config      Config
	log         *slog.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	// planning serializes cap checks and submissions per account
	planningMu sync.Mutex
	planning   map[string]*sync.Mutex

	mu          sync.Mutex
	inflight    map[classKey]int
	subscribers []chan Event
	shutdown    bool
}

func New(provisioner Provisioner, nodes *registry.Registry, config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Workers < 1 {
		config.Workers = 1
	}

	return &Scheduler{
		provisioner: provisioner,
		registry:    nodes,
		config:      config,
		log:         config.Logger,
		slots:       make(chan struct{}, config.Workers),
		inflight:    map[classKey]int{},
		planning:    map[string]*sync.Mutex{},
	}
}

// lockAccount holds the planning lock of an account. Accounts are planned independently.
func (s *Scheduler) lockAccount(account string) func() {
	s.planningMu.Lock()
	mu, ok := s.planning[account]
	if !ok {
		mu = &sync.Mutex{}
		s.planning[account] = mu
	}
	s.planningMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Provision plans nodes of the classes matching label until units executors are covered or caps
// are reached. It returns immediately, provisioning continues in the background.
func (s *Scheduler) Provision(ctx context.Context, acc *account.Account, label string, units int) []*PlannedNode {
	log := s.log.With("account", acc.Name, "label", label)

	defer s.lockAccount(acc.Name)()
	candidates, client := s.candidates(ctx, acc, label, units)

	var planned []*PlannedNode
	for outstanding := units; outstanding > 0; {
		if len(candidates) == 0 {
			if client == nil {
				break
			}
			// Either the account is unreachable or its caps are reached
			if err := client.SanityCheck(ctx); err != nil {
				log.Warn("Account is not reachable, skipping provisioning", "error", err)
			} else {
				log.Info("Instance cap exceeded", "missing", outstanding)
				s.broadcast(EventCapReached{Account: acc.Name, Label: label})
			}
			break
		}

		class := candidates[0]
		candidates = candidates[1:]

		node, err := s.submit(ctx, acc, class, options.Options{})
		if err != nil {
			log.Warn("Failed to submit provisioning", "error", err)
			break
		}
		log.Debug("Planned node", "class", class.Name)
		s.broadcast(EventNodePlanned{Account: acc.Name, Class: class.Name, Label: label})

		planned = append(planned, node)
		outstanding -= node.Executors
	}
	return planned
}

// candidates returns one entry per node that can be started without violating any cap, bounded
// by units. The client is nil when the account could not be queried.
func (s *Scheduler) candidates(ctx context.Context, acc *account.Account, label string, units int) ([]*account.Class, cloud.Client) {
	log := s.log.With("account", acc.Name, "label", label)
	globalCap := acc.EffectiveOptions().GetInstanceCap()

	localNodes := len(s.registry.ForAccount(acc.Name)) + s.inflightCount(acc.Name, "")
	if localNodes >= globalCap {
		log.Info("Instance cap exceeded", "nodes", localNodes, "cap", globalCap)
		return nil, nil
	}

	client, err := s.provisioner.Client(ctx, acc)
	if err != nil {
		logProviderError(log, "Failed to connect to account", err)
		return nil, nil
	}
	servers, err := client.ListServers(ctx)
	if err != nil {
		logProviderError(log, "Failed to list servers", err)
		return nil, nil
	}
	servers = lo.Filter(servers, func(server cloud.Server, _ int) bool { return acc.HasProvisioned(&server) })

	globalHeadroom := internal.Headroom(globalCap, localNodes, len(servers))
	if globalHeadroom == 0 {
		return nil, client
	}

	var candidates []*account.Class
	for _, class := range acc.MatchingClasses(label) {
		classCap := acc.ClassOptions(class).GetInstanceCap()
		localClass := len(s.registry.ForClass(acc.Name, class.Name)) + s.inflightCount(acc.Name, class.Name)
		remoteClass := lo.CountBy(servers, func(server cloud.Server) bool {
			return server.Meta(cloud.MetaClassName) == class.Name
		})

		for range internal.Headroom(classCap, localClass, remoteClass) {
			if len(candidates) >= globalHeadroom || len(candidates) >= units {
				return candidates, client
			}
			candidates = append(candidates, class)
		}
	}
	return candidates, client
}

// ProvisionManually starts one node of the named class with optional overrides. It waits briefly
// so that fast failures are reported, then lets provisioning continue in the background.
func (s *Scheduler) ProvisionManually(ctx context.Context, acc *account.Account, className string, overrides options.Options) (*PlannedNode, error) {
	class, ok := acc.Class(className)
	if !ok {
		return nil, fmt.Errorf("%w '%s' in account '%s'", ErrUnknownClass, className, acc.Name)
	}

	planned, err := s.planManually(ctx, acc, class, overrides)
	if err != nil {
		return nil, err
	}

	wait := time.NewTimer(s.config.ManualWait)
	defer wait.Stop()
	select {
	case <-planned.Done():
		if _, err := planned.Wait(ctx); err != nil {
			return nil, err
		}
	case <-wait.C:
		// Still running, report success optimistically
	case <-ctx.Done():
	}
	return planned, nil
}

func (s *Scheduler) planManually(ctx context.Context, acc *account.Account, class *account.Class, overrides options.Options) (*PlannedNode, error) {
	defer s.lockAccount(acc.Name)()

	client, err := s.provisioner.Client(ctx, acc)
	if err != nil {
		return nil, err
	}
	servers, err := client.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers of account '%s': %w", acc.Name, err)
	}
	servers = lo.Filter(servers, func(server cloud.Server, _ int) bool { return acc.HasProvisioned(&server) })

	globalCap := acc.EffectiveOptions().GetInstanceCap()
	localNodes := len(s.registry.ForAccount(acc.Name)) + s.inflightCount(acc.Name, "")
	if internal.Headroom(globalCap, localNodes, len(servers)) == 0 {
		return nil, fmt.Errorf("%w for account '%s': %d", ErrCapReached, acc.Name, globalCap)
	}

	classCap := acc.ClassOptions(class).GetInstanceCap()
	localClass := len(s.registry.ForClass(acc.Name, class.Name)) + s.inflightCount(acc.Name, class.Name)
	remoteClass := lo.CountBy(servers, func(server cloud.Server) bool {
		return server.Meta(cloud.MetaClassName) == class.Name
	})
	if internal.Headroom(classCap, localClass, remoteClass) == 0 {
		return nil, fmt.Errorf("%w for class '%s/%s': %d", ErrCapReached, acc.Name, class.Name, classCap)
	}

	return s.submit(ctx, acc, class, overrides)
}

// submit queues a provisioning task. It never blocks: the task waits for a worker slot on its
// own goroutine.
func (s *Scheduler) submit(ctx context.Context, acc *account.Account, class *account.Class, overrides options.Options) (*PlannedNode, error) {
	key := classKey{account: acc.Name, class: class.Name}
	executors := acc.ClassOptions(class).Override(overrides).GetNumExecutors()
	planned := newPlannedNode(acc.Name, class.Name, executors)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.inflight[key]++
	s.wg.Add(1)
	s.mu.Unlock()

	// Provisioning outlives the request that planned it
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer s.wg.Done()

		s.slots <- struct{}{}
		node, err := s.provisioner.ProvisionNode(ctx, acc, class, overrides)
		<-s.slots

		s.mu.Lock()
		s.inflight[key]--
		if s.inflight[key] <= 0 {
			delete(s.inflight, key)
		}
		s.mu.Unlock()

		planned.resolve(node, err)
		if err != nil {
			s.broadcast(EventProvisioningFailed{Account: acc.Name, Class: class.Name, Error: err.Error()})
		} else {
			s.broadcast(EventNodeProvisioned{Account: acc.Name, Class: class.Name, Node: node.Name()})
		}
	}()
	return planned, nil
}

func (s *Scheduler) inflightCount(account, class string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, n := range s.inflight {
		if key.account == account && (class == "" || key.class == class) {
			count += n
		}
	}
	return count
}

// Inflight returns the number of provisioning tasks that have not finished yet.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Sum(lo.Values(s.inflight))
}

// Subscribe returns a channel receiving scheduler events. Events are dropped for subscribers that
// do not keep up.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if lo.Contains(s.subscribers, ch) {
			s.subscribers = lo.Without(s.subscribers, ch)
			close(ch)
		}
	}
}

func (s *Scheduler) broadcast(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Shutdown stops accepting provisioning tasks. Tasks already submitted keep running.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

// Wait blocks until every submitted provisioning task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func logProviderError(log *slog.Logger, msg string, err error) {
	if errors.Is(err, cloud.ErrAuth) {
		log.Warn(msg+": authentication failed", "error", err)
		return
	}
	log.Error(msg, "error", err)
}
