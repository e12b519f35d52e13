package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"

	"github.com/fatih/color"
	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/registry"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List managed nodes",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/nodes"
		if account, _ := cmd.Flags().GetString("account"); account != "" {
			path += "?account=" + url.QueryEscape(account)
		}

		var nodes []registry.State
		if err := client.get(cmd.Context(), path, &nodes); err != nil {
			return err
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

		return render(cmd, nodes, func(w io.Writer) {
			row(w, "NAME", "ACCOUNT", "CLASS", "STATE", "BUSY", "TASKS", "AGE", "ADDRESS")
			for _, n := range nodes {
				row(w, color.HiCyanString("%s", n.Name), n.Account, n.Class, state(nodeState(n)),
					fmt.Sprintf("%d/%d", n.Busy, n.Options.GetNumExecutors()), n.TasksExecuted, age(n.Created), n.Address)
			}
		})
	},
}

func nodeState(n registry.State) string {
	switch {
	case n.PendingDelete:
		return "pending-delete"
	case n.Offline != registry.CauseNone:
		return "offline"
	case n.Connecting:
		return "connecting"
	case n.Busy > 0:
		return "busy"
	default:
		return "idle"
	}
}

var activitiesCmd = &cobra.Command{
	Use:   "activities",
	Short: "List provisioning activities",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		var activities []activity.Activity
		if err := client.get(cmd.Context(), "/v1/activities", &activities); err != nil {
			return err
		}

		return render(cmd, activities, func(w io.Writer) {
			row(w, "NAME", "ACCOUNT", "CLASS", "PHASE", "STARTED", "ERROR")
			for _, a := range activities {
				phase := string(a.Phase)
				if a.Error != "" {
					phase = "failed"
				}
				row(w, a.Name, a.Account, a.Class, state(phase), age(a.Started), a.Error)
			}
		})
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate NODE",
	Short: "Schedule a node for deletion once it is idle",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.post(cmd.Context(), "/v1/nodes/"+url.PathEscape(args[0])+"/terminate", nil, nil); err != nil {
			return err
		}
		cmd.Printf("Node %s will be deleted once idle\n", color.HiCyanString(args[0]))
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline NODE",
	Short: "Stop scheduling tasks on a node",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		var node registry.State
		if err := client.post(cmd.Context(), "/v1/nodes/"+url.PathEscape(args[0])+"/offline", map[string]string{"message": message}, &node); err != nil {
			return err
		}
		cmd.Printf("Node %s is %s\n", color.HiCyanString(node.Name), state(nodeState(node)))
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online NODE",
	Short: "Resume scheduling tasks on a node",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var node registry.State
		if err := client.post(cmd.Context(), "/v1/nodes/"+url.PathEscape(args[0])+"/online", nil, &node); err != nil {
			return err
		}
		cmd.Printf("Node %s is %s\n", color.HiCyanString(node.Name), state(nodeState(node)))
		return nil
	},
}

func init() {
	nodesCmd.Flags().String("account", "", "only list the nodes of this account")
	offlineCmd.Flags().StringP("message", "m", "", "reason shown to operators")
}
