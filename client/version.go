package main

import (
	"github.com/gammadia/cumulus/server/api"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of cumulusctl and of the controller",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("cumulusctl version %s (%s)\n", version, shortCommit(commit))

		var status api.Status
		if err := client.get(cmd.Context(), "/v1/status", &status); err != nil {
			return err
		}
		cmd.Printf("controller version %s (%s), up %s, %d nodes, %d provisioning, %d disposing\n",
			status.Version, shortCommit(status.Commit), age(status.StartedAt), status.Nodes, status.Inflight, status.Disposing)
		return nil
	},
}
