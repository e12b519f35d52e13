package main

import (
	"fmt"
	"io"
	"net/url"

	"github.com/fatih/color"
	"github.com/gammadia/cumulus/client/ui"
	"github.com/gammadia/cumulus/options"
	"github.com/gammadia/cumulus/scheduler"
	"github.com/gammadia/cumulus/server/api"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision ACCOUNT [CLASS]",
	Short: "Provision a node of a class, or nodes for a label",
	Long: `Provision a node of a class, or nodes for a label.

With a class, one node is started and the command waits briefly for it to come online.
With --label, the controller plans as many nodes as needed to cover --units executors.`,
	Args: cobra.RangeArgs(1, 2),

	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		units, _ := cmd.Flags().GetInt("units")
		account := url.PathEscape(args[0])

		if len(args) == 1 {
			if label == "" {
				return fmt.Errorf("either a class or --label is required")
			}
			var planned []api.PlannedNode
			if err := client.post(cmd.Context(), "/v1/accounts/"+account+"/provision", map[string]any{"label": label, "units": units}, &planned); err != nil {
				return err
			}
			return render(cmd, planned, func(w io.Writer) {
				if len(planned) == 0 {
					_, _ = fmt.Fprintln(w, color.HiYellowString("No node planned, caps are reached or the account is unreachable"))
					return
				}
				row(w, "ACCOUNT", "CLASS", "EXECUTORS", "STATUS")
				for _, p := range planned {
					row(w, p.Account, p.Class, p.Executors, state(string(p.Status)))
				}
			})
		}

		var overrides options.Options
		if executors, _ := cmd.Flags().GetInt("executors"); executors > 0 {
			overrides.NumExecutors = lo.ToPtr(executors)
		}
		if flavor, _ := cmd.Flags().GetString("flavor"); flavor != "" {
			overrides.Flavor = lo.ToPtr(flavor)
		}

		var spinner *ui.Spinner
		if output == "table" {
			spinner = ui.NewSpinner(fmt.Sprintf("Provisioning a %s node in %s", args[1], args[0]))
		}

		var planned api.PlannedNode
		if err := client.post(cmd.Context(), "/v1/accounts/"+account+"/classes/"+url.PathEscape(args[1])+"/provision", overrides, &planned); err != nil {
			spinner.Fail("Provisioning failed")
			return err
		}

		switch {
		case planned.Status == scheduler.NodeStatusOnline && planned.Node != nil:
			spinner.Success(fmt.Sprintf("Node %s is online at %s", color.HiCyanString(planned.Node.Name), planned.Node.Address))
		default:
			spinner.Warn("Node is still provisioning, follow it with 'cumulusctl activities'")
		}
		if output != "table" {
			return render(cmd, planned, nil)
		}
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringP("label", "l", "", "label expression to provision nodes for")
	provisionCmd.Flags().IntP("units", "u", 1, "executors needed for the label")
	provisionCmd.Flags().Int("executors", 0, "override the number of executors of the node")
	provisionCmd.Flags().String("flavor", "", "override the flavor of the node")
}
