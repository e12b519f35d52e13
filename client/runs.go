package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/fatih/color"
	"github.com/gammadia/cumulus/runs"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the orchestrator runs servers can be scoped to",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		var list []runs.Run
		if err := client.get(cmd.Context(), "/v1/runs", &list); err != nil {
			return err
		}

		return render(cmd, list, func(w io.Writer) {
			row(w, "PROJECT", "NUMBER", "STATUS", "STARTED", "FINISHED")
			for _, r := range list {
				status := "active"
				if !r.Active() {
					status = "finished"
				}
				row(w, color.HiCyanString("%s", r.Project), r.Number, state(status), age(r.Started), age(r.Finished))
			}
		})
	},
}

var runsStartCmd = &cobra.Command{
	Use:   "start PROJECT NUMBER",
	Short: "Record the start of a run",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid run number '%s'", args[1])
		}
		var run runs.Run
		if err := client.post(cmd.Context(), "/v1/runs", map[string]any{"project": args[0], "number": number}, &run); err != nil {
			return err
		}
		cmd.Printf("Run %s #%d started\n", color.HiCyanString(run.Project), run.Number)
		return nil
	},
}

var runsFinishCmd = &cobra.Command{
	Use:   "finish PROJECT NUMBER",
	Short: "Record the end of a run, its servers are destroyed on the next reconciliation",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		var run runs.Run
		if err := client.post(cmd.Context(), "/v1/runs/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1])+"/finish", nil, &run); err != nil {
			return err
		}
		cmd.Printf("Run %s #%d finished\n", color.HiCyanString(run.Project), run.Number)
		return nil
	},
}

func init() {
	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsFinishCmd)
}
