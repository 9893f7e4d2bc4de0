package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

// NewRootCmd creates the shipyard command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shipyard",
		Short: "Push-to-deploy orchestrator for a single remote host",
		Long: `shipyard receives GitHub push webhooks and deploys the configured
repository to a remote host over SSH, checks its health endpoint, records
a structured deploy event and notifies operators.

All settings come from environment variables.`,
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

// Execute runs the root command with provided args.
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
