package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// render prints v in the selected output format. table is only called for the table format.
func render(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	switch output {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		// Round trip through JSON so that YAML keys follow the API field names
		var generic any
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, &generic); err != nil {
			return err
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(generic)
	default:
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}
}

func row(w io.Writer, cells ...any) {
	for i, cell := range cells {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, cell)
	}
	_, _ = fmt.Fprintln(w)
}

// age formats how long ago t was, in the largest whole unit.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortCommit(commit string) string {
	return commit[:min(len(commit), 7)]
}

// state colors a status word so that all values of a column carry escape codes of the same length.
func state(s string) string {
	switch s {
	case "idle", "online", "active", "operating":
		return color.HiGreenString("%s", s)
	case "busy", "connecting", "provisioning", "creating", "launching", "finished":
		return color.HiCyanString("%s", s)
	case "pending-delete", "offline":
		return color.HiYellowString("%s", s)
	default:
		return color.HiRedString("%s", s)
	}
}
