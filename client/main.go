package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/cumulus/client/sossh"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *remote

var output string

var cumulusCmd = &cobra.Command{
	Use:   "cumulusctl",
	Short: "cumulusctl drives a Cumulus controller.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			color.NoColor = true
		}
		switch output {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format '%s'", output)
		}

		address := lo.Must(cmd.Flags().GetString("remote"))
		host, _, _ := strings.Cut(strings.TrimPrefix(address, "http://"), ":")

		sshTunneling := lo.Must(cmd.Flags().GetBool("ssh-tunneling"))
		if (host == "127.0.0.1" || host == "localhost") && !cmd.Flags().Changed("ssh-tunneling") {
			sshTunneling = false
		}

		var dial dialFunc
		if sshTunneling {
			tunnel := &sossh.Tunnel{
				Host:     host,
				Port:     lo.Must(cmd.Flags().GetInt("ssh-port")),
				Username: lo.Must(cmd.Flags().GetString("ssh-username")),
			}
			dial = tunnel.DialContext
		}
		client = newRemote(address, dial)
		return nil
	},
}

func init() {
	cumulusCmd.AddCommand(activitiesCmd)
	cumulusCmd.AddCommand(nodesCmd)
	cumulusCmd.AddCommand(offlineCmd)
	cumulusCmd.AddCommand(onlineCmd)
	cumulusCmd.AddCommand(provisionCmd)
	cumulusCmd.AddCommand(reconcileCmd)
	cumulusCmd.AddCommand(runsCmd)
	cumulusCmd.AddCommand(terminateCmd)
	cumulusCmd.AddCommand(versionCmd)

	cumulusCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")
	cumulusCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("CUMULUS_REMOTE"), "localhost:25373")), "the controller remote address")
	cumulusCmd.PersistentFlags().Bool("ssh-tunneling", true, "use ssh tunneling to connect to the controller")
	cumulusCmd.PersistentFlags().String("ssh-username", "cumulus", "username to use for ssh tunneling")
	cumulusCmd.PersistentFlags().Int("ssh-port", 22, "port to use for ssh tunneling")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cumulusCmd.SetOut(os.Stdout)
	if err := cumulusCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
