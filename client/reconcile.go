package main

import (
	"io"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/cumulus/reconciler"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [ACCOUNT]",
	Short: "Trigger a reconciliation pass, or show the last report of an account",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			if err := client.post(cmd.Context(), "/v1/reconcile", nil, nil); err != nil {
				return err
			}
			cmd.Println("Reconciliation pass requested")
			return nil
		}

		var report reconciler.Report
		if err := client.get(cmd.Context(), "/v1/reconcile/"+url.PathEscape(args[0]), &report); err != nil {
			return err
		}

		return render(cmd, report, func(w io.Writer) {
			row(w, "Account", color.HiCyanString("%s", report.Account))
			row(w, "Duration", report.Duration)
			row(w, "Live servers", report.Live)
			row(w, "Terminated", list(report.Terminated))
			row(w, "Disposed", list(report.Disposed))
			row(w, "Orphans", list(report.Orphans))
			row(w, "Released IPs", list(report.ReleasedFIPs))
			for _, err := range report.Errors {
				row(w, "Error", color.HiRedString("%s", err))
			}
		})
	},
}

func list(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
