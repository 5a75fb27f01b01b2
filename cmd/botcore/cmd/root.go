// Package cmd wires the botcore CLI. Grounded on the runtime's
// cmd/gobot/vars.go for the SetupRootCmd/AddCommand shape.
package cmd

import (
	"github.com/spf13/cobra"
)

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "botcore",
		Short: "Chat-bot core: ingestion, approvals, and the agent turn executor",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newVerifyChainCmd())

	return root
}
