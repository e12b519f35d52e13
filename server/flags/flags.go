package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"
	Data      = "data"
	Accounts  = "accounts"
	Instance  = "instance"

	ControllerURL = "controller-url"
	BootScripts   = "boot-scripts"
	SSHKey        = "ssh-key"
	PollInterval  = "poll-interval"

	Workers           = "workers"
	ManualWait        = "manual-wait"
	RetentionDisabled = "retention-disabled"
	RetentionInterval = "retention-interval"
	BalancerInterval  = "balancer-interval"
	ReconcileInterval = "reconcile-interval"
	DisposerWorkers   = "disposer-workers"
	ActivityHistory   = "activity-history"
	RunRetention      = "run-retention"

	NatsURL      = "nats-url"
	EventsPrefix = "events-prefix"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Cumulus
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25373", "listening address of the HTTP API")
	flags.String(Data, "/var/lib/cumulus", "directory holding the persisted state")
	flags.String(Accounts, "/etc/cumulus/accounts.yaml", "file describing the cloud accounts and their classes")
	flags.String(Instance, lo.Must(os.Hostname()), "identifier of this controller, written on every server it creates")

	// Provisioning
	flags.String(ControllerURL, "", "URL the node agents use to reach the controller")
	flags.String(BootScripts, "/etc/cumulus/boot-scripts", "directory holding the boot script templates")
	flags.String(SSHKey, "", "private key used to reach ssh nodes")
	flags.Duration(PollInterval, 6*time.Second, "delay between two readiness checks of a launching node")

	// Engine
	flags.Int(Workers, 8, "maximum number of nodes provisioned concurrently")
	flags.Duration(ManualWait, 3*time.Second, "how long a manual provisioning waits for an early failure")
	flags.Bool(RetentionDisabled, false, "never terminate idle nodes")
	flags.Duration(RetentionInterval, time.Minute, "delay between two retention checks of a node")
	flags.Duration(BalancerInterval, 2*time.Minute, "delay between two standing floor checks")
	flags.Duration(ReconcileInterval, 10*time.Minute, "delay between two reconciliation passes")
	flags.Int(DisposerWorkers, 4, "maximum number of servers destroyed concurrently")
	flags.Int(ActivityHistory, 1000, "number of completed provisioning activities kept")
	flags.Duration(RunRetention, 7*24*time.Hour, "how long finished runs are remembered")

	// Events
	flags.String(NatsURL, "", "NATS server receiving lifecycle events, logged when empty")
	flags.String(EventsPrefix, "cumulus", "subject prefix of published events")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("cumulus")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
