package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/registry"
)

// Terminator unregisters nodes and hands their servers over for disposal.
type Terminator interface {
	Client(ctx context.Context, acc *account.Account) (cloud.Client, error)
	Terminate(ctx context.Context, acc *account.Account, node *registry.Node, reason string) error
}

// Disposer destroys servers asynchronously, with its own retries.
type Disposer interface {
	Dispose(client cloud.Client, account, serverID, reason string) bool
}

type Config struct {
	Logger     *slog.Logger      `json:"-"`
	Clock      func() time.Time  `json:"-"`
	Activities *activity.Tracker `json:"-"`
	Runs       RunChecker        `json:"-"`
	Observer   func(Report)      `json:"-"`
	Interval   time.Duration     `json:"interval"`
}

// Report sums up what one pass did for one account.
type Report struct {
	Account      string        `json:"account"`
	Terminated   []string      `json:"terminated,omitempty"`
	Disposed     []string      `json:"disposed,omitempty"`
	Live         int           `json:"live"`
	Orphans      []string      `json:"orphans,omitempty"`
	ReleasedFIPs []string      `json:"released-fips,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Reconciler periodically brings the registry and the provider back in line.
type Reconciler struct {
	accounts   []*account.Account
	terminator Terminator
	disposer   Disposer
	registry   *registry.Registry
	env        *env
	config     Config
	log        *slog.Logger

	tickRequests chan any

	// Floating IPs seen free in the previous pass, per account
	fipsMu    sync.Mutex
	freeFIPs  map[string]map[string]struct{}
	reportsMu sync.Mutex
	reports   map[string]Report
}

func New(accounts []*account.Account, terminator Terminator, disposer Disposer, nodes *registry.Registry, config Config) *Reconciler {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}

	return &Reconciler{
		accounts:   accounts,
		terminator: terminator,
		disposer:   disposer,
		registry:   nodes,
		env: &env{
			registry:   nodes,
			activities: config.Activities,
			runs:       config.Runs,
			clock:      config.Clock,
		},
		config:       config,
		log:          config.Logger,
		tickRequests: make(chan any, 1),
		freeFIPs:     map[string]map[string]struct{}{},
		reports:      map[string]Report{},
	}
}

// Run sweeps on every interval and whenever Trigger is called, until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.tickRequests:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Trigger requests a sweep as soon as possible.
// If a sweep is already requested, this function does nothing
// This function is safe to call from multiple goroutines
func (r *Reconciler) Trigger() {
	select {
	case r.tickRequests <- nil:
	default:
	}
}

// Sweep runs one pass over every account. A failing account never stops the others.
func (r *Reconciler) Sweep(ctx context.Context) {
	for _, acc := range r.accounts {
		if ctx.Err() != nil {
			return
		}
		r.reconcileAccount(ctx, acc)
	}
}

func (r *Reconciler) reconcileAccount(ctx context.Context, acc *account.Account) {
	log := r.log.With("account", acc.Name)
	started := r.config.Clock()
	report := Report{Account: acc.Name}

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("Reconciliation pass panicked", "panic", recovered, "stack", string(debug.Stack()))
			report.Errors = append(report.Errors, fmt.Sprintf("panic: %v", recovered))
		}
		report.Duration = r.config.Clock().Sub(started)
		r.record(report)
	}()

	fail := func(stage string, err error) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", stage, err))
		if errors.Is(err, cloud.ErrAuth) {
			log.Warn("Authentication failed, skipping stage", "stage", stage, "error", err)
			return
		}
		log.Error("Reconciliation stage failed", "stage", stage, "error", err)
	}

	client, err := r.terminator.Client(ctx, acc)
	if err != nil {
		fail("connect", err)
		return
	}

	report.Terminated = r.terminatePending(ctx, acc, client)

	listedAt := r.config.Clock()
	running, live, disposed, err := r.checkScopes(ctx, acc, client)
	report.Disposed = disposed
	report.Live = live
	if err != nil {
		fail("scope", err)
	} else {
		report.Orphans = r.removeOrphans(ctx, acc, client, running, listedAt)
	}

	released, err := r.releaseLeakedFIPs(ctx, acc, client)
	report.ReleasedFIPs = released
	if err != nil {
		fail("floating-ip", err)
	}
}

func (r *Reconciler) record(report Report) {
	r.reportsMu.Lock()
	r.reports[report.Account] = report
	r.reportsMu.Unlock()

	if r.config.Observer != nil {
		r.config.Observer(report)
	}
}

// LastReport returns the outcome of the latest pass for an account.
func (r *Reconciler) LastReport(account string) (Report, bool) {
	r.reportsMu.Lock()
	defer r.reportsMu.Unlock()
	report, ok := r.reports[account]
	return report, ok
}
