package disposer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/provisioner/internal"
)

type Config struct {
	Logger         *slog.Logger     `json:"-"`
	Workers        int              `json:"workers"`
	Backoff        internal.Backoff `json:"backoff"`
	AttemptTimeout time.Duration    `json:"attempt-timeout"`
	Observer       func(Result)     `json:"-"`
}

// Result reports the outcome of one disposal, once all retries are done.
type Result struct {
	Account  string
	ServerID string
	Reason   string
	Err      error
}

// Disposer destroys remote servers in the background with its own retry policy.
// Submitting never blocks and the same server is never queued twice.
type Disposer struct {
	config Config
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config Config) *Disposer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Backoff.Attempts <= 0 {
		config.Backoff = internal.Backoff{Attempts: 6, Base: 2 * time.Second, Max: time.Minute}
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Disposer{
		config:  config,
		log:     config.Logger,
		pending: map[string]struct{}{},
		slots:   make(chan struct{}, config.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispose schedules the destruction of a server and returns immediately.
// It returns false when the server is already queued.
func (d *Disposer) Dispose(client cloud.Client, account, serverID, reason string) bool {
	key := account + "/" + serverID

	d.mu.Lock()
	if _, queued := d.pending[key]; queued {
		d.mu.Unlock()
		return false
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	d.log.Info("Disposing server", "account", account, "server", serverID, "reason", reason)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.pending, key)
			d.mu.Unlock()
		}()

		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-d.ctx.Done():
			return
		}

		err := internal.Retry(d.ctx, d.config.Backoff, func() error {
			return d.destroy(client, serverID)
		})
		if err != nil {
			d.log.Error("Failed to dispose server", "account", account, "server", serverID, "error", err)
		} else {
			d.log.Debug("Server disposed", "account", account, "server", serverID)
		}
		if d.config.Observer != nil {
			d.config.Observer(Result{Account: account, ServerID: serverID, Reason: reason, Err: err})
		}
	}()
	return true
}

func (d *Disposer) destroy(client cloud.Client, serverID string) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.AttemptTimeout)
	defer cancel()

	if _, err := client.GetServer(ctx, serverID); errors.Is(err, cloud.ErrNotFound) {
		return nil
	} else if errors.Is(err, cloud.ErrAuth) {
		return internal.Permanent(fmt.Errorf("failed to look up server '%s': %w", serverID, err))
	}

	if err := client.DestroyServer(ctx, serverID); err != nil {
		return fmt.Errorf("failed to destroy server '%s': %w", serverID, err)
	}
	return nil
}

// Pending returns the number of disposals not finished yet.
func (d *Disposer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Wait blocks until every submitted disposal is done.
func (d *Disposer) Wait() {
	d.wg.Wait()
}

// Shutdown abandons retries in progress and waits for the workers to return.
func (d *Disposer) Shutdown() {
	d.cancel()
	d.wg.Wait()
}
