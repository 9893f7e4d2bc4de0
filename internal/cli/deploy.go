package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/pkg/logger"
)

var errDeployFailed = errors.New("deploy failed")

func newDeployCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run one manual deploy in the foreground",
		Long: `Run one manual deploy synchronously. The run takes the same target lock
as the server, is persisted to the event log and notified like any other run.

Exits non-zero when the deploy fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logger.NewWriter(cmd.ErrOrStderr(), "shipyard", logger.ParseLevel(cfg.LogLevel))
			var opts []deploy.Option
			if !asJSON {
				opts = append(opts, deploy.WithObserver(stagePrinter{w: cmd.OutOrStdout()}))
			}
			a, err := newApp(ctx, cfg, log, opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.dispatcher.RunSync(ctx, domain.ManualTrigger())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, ev); err != nil {
					return err
				}
			} else {
				printSummary(out, ev)
			}
			if !ev.Status.Success() {
				return errDeployFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the deploy event as JSON")
	return cmd
}
