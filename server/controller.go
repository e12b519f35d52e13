package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/gammadia/cumulus/account"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/events"
	"github.com/gammadia/cumulus/metrics"
	provisionerpkg "github.com/gammadia/cumulus/provisioner"
	"github.com/gammadia/cumulus/provisioner/bootscript"
	"github.com/gammadia/cumulus/provisioner/disposer"
	"github.com/gammadia/cumulus/provisioner/launcher"
	"github.com/gammadia/cumulus/provisioner/openstack"
	reconcilerpkg "github.com/gammadia/cumulus/reconciler"
	"github.com/gammadia/cumulus/registry"
	"github.com/gammadia/cumulus/runs"
	schedulerpkg "github.com/gammadia/cumulus/scheduler"
	"github.com/gammadia/cumulus/server/flags"
	"github.com/gammadia/cumulus/server/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Controller components, created once by createController
var (
	accounts    []*account.Account
	publisher   events.Publisher
	emitter     *events.Emitter
	collector   *metrics.Metrics
	nodes       *registry.Registry
	runStore    *runs.BadgerStore
	runTracker  *runs.Tracker
	activities  *activity.Tracker
	agents      *launcher.Agent
	dispose     *disposer.Disposer
	provisioner *provisionerpkg.Provisioner
	scheduler   *schedulerpkg.Scheduler
	balancer    *schedulerpkg.Balancer
	retention   *schedulerpkg.Retention
	reconciler  *reconcilerpkg.Reconciler
)

func createController() error {
	var err error
	if accounts, err = account.Load(viper.GetString(flags.Accounts)); err != nil {
		return err
	}
	log.Info("Accounts loaded", "accounts", lo.Map(accounts, func(a *account.Account, _ int) string { return a.Name }))

	if publisher, err = createPublisher(); err != nil {
		return err
	}
	emitter = events.NewEmitter(publisher, events.Config{
		Logger: log.For("events"),
		Prefix: viper.GetString(flags.EventsPrefix),
	})
	collector = metrics.New()

	if err = createRegistry(); err != nil {
		return err
	}

	activities = activity.NewTracker(viper.GetInt(flags.ActivityHistory))
	dispose = disposer.New(disposer.Config{
		Logger:  log.For("disposer"),
		Workers: viper.GetInt(flags.DisposerWorkers),
		Observer: func(result disposer.Result) {
			if result.Err != nil {
				log.Warn("Server could not be disposed of", "account", result.Account, "server", result.ServerID, "reason", result.Reason, "error", result.Err)
			}
		},
	})
	provisioner = createProvisioner()

	if err = createScheduler(); err != nil {
		return err
	}
	createReconciler()

	collector.WatchRegistry(nodes)
	collector.WatchActivities(activities)
	emitter.WatchRegistry(nodes)
	emitter.WatchActivities(activities)
	return nil
}

func createPublisher() (events.Publisher, error) {
	url := viper.GetString(flags.NatsURL)
	if url == "" {
		log.Info("No NATS server configured, events are only logged")
		return &events.LogPublisher{Logger: log.For("events")}, nil
	}
	p, err := events.NewNATSPublisher(url, "cumulus-"+viper.GetString(flags.Instance), log.For("events"))
	if err != nil {
		return nil, err
	}
	log.Info("Publishing events to NATS", "url", url)
	return p, nil
}

func createRegistry() error {
	dataRoot := viper.GetString(flags.Data)

	store, err := registry.NewBadgerStore(path.Join(dataRoot, "nodes"))
	if err != nil {
		return fmt.Errorf("failed to open node store: %w", err)
	}
	nodes = registry.New(registry.Config{
		Store:       store,
		Interrupter: emitter,
		Logger:      log.For("registry"),
	})
	restored, err := nodes.Restore()
	if err != nil {
		return fmt.Errorf("failed to restore nodes: %w", err)
	}
	log.Info("Nodes restored", "count", restored)

	if runStore, err = runs.NewBadgerStore(path.Join(dataRoot, "runs")); err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	if runTracker, err = runs.NewTracker(runStore); err != nil {
		return err
	}
	return nil
}

func createProvisioner() *provisionerpkg.Provisioner {
	logger := log.For("provisioner")
	agents = launcher.NewAgent()

	config := provisionerpkg.Config{
		Logger: logger,
		Connector: openstack.NewConnector(openstack.Config{
			Instance: viper.GetString(flags.Instance),
		}, logger),
		Registry:   nodes,
		Activities: activities,
		Disposer:   dispose,
		Launchers: &launcher.Set{
			SSH:   launcher.NewSSH(viper.GetString(flags.SSHKey), logger),
			Agent: agents,
			Stub:  &launcher.Stub{},
		},
		BootScripts:   &bootscript.Renderer{Dir: viper.GetString(flags.BootScripts)},
		Instance:      viper.GetString(flags.Instance),
		ControllerURL: viper.GetString(flags.ControllerURL),
		PollInterval:  viper.GetDuration(flags.PollInterval),
	}
	logger.Debug("Provisioner config", "config", string(lo.Must(json.Marshal(config))))
	return provisionerpkg.New(config)
}

func createScheduler() error {
	config := schedulerpkg.Config{
		Logger:            log.For("scheduler"),
		Workers:           viper.GetInt(flags.Workers),
		ManualWait:        viper.GetDuration(flags.ManualWait),
		RetentionDisabled: viper.GetBool(flags.RetentionDisabled),
		RetentionInterval: viper.GetDuration(flags.RetentionInterval),
		BalancerInterval:  viper.GetDuration(flags.BalancerInterval),
	}
	if err := schedulerpkg.Validate(config); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	scheduler = schedulerpkg.New(provisioner, nodes, config)
	balancer = schedulerpkg.NewBalancer(accounts, scheduler, nodes, log.For("balancer"))
	config.Logger = log.For("retention")
	retention = schedulerpkg.NewRetention(nodes, balancer, config)
	return nil
}

func createReconciler() {
	reconciler = reconcilerpkg.New(accounts, provisioner, dispose, nodes, reconcilerpkg.Config{
		Logger:     log.For("reconciler"),
		Activities: activities,
		Runs:       runTracker,
		Interval:   viper.GetDuration(flags.ReconcileInterval),
		Observer: func(report reconcilerpkg.Report) {
			emitter.Report(report)
			collector.Report(report)
		},
	})
}

// reconnectNodes reopens the transports of the nodes restored from the previous run.
func reconnectNodes(ctx context.Context) {
	for _, node := range nodes.List() {
		if !node.IsConnecting() {
			continue
		}
		acc, ok := lo.Find(accounts, func(acc *account.Account) bool { return acc.Name == node.Account() })
		if !ok {
			log.Warn("Restored node belongs to an unknown account", "node", node.Name(), "account", node.Account())
			continue
		}
		go func() {
			if err := provisioner.Reconnect(ctx, acc, node); err != nil {
				log.Warn("Failed to reconnect restored node", "node", node.Name(), "error", err)
			}
		}()
	}
}

// runBalancer keeps the standing floors until ctx is done.
func runBalancer(ctx context.Context) {
	ticker := time.NewTicker(viper.GetDuration(flags.BalancerInterval))
	defer ticker.Stop()

	for {
		balancer.Run(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// pruneRuns forgets finished runs once they are older than the run retention.
func pruneRuns(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if pruned, err := runTracker.Prune(viper.GetDuration(flags.RunRetention)); err != nil {
			log.Warn("Failed to prune runs", "error", err)
		} else if pruned > 0 {
			log.Debug("Pruned finished runs", "count", pruned)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
