package cli

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	var (
		timeout time.Duration
		target  int64
	)
	cmd := &cobra.Command{
		Use:       "migrate up|status|down",
		Short:     "Manage the postgres event log schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.EventLog.DatabaseURL) == "" {
				return errors.New("DATABASE_URL is required")
			}
			log := logger.NewWriter(cmd.ErrOrStderr(), "migrate", logger.ParseLevel(cfg.LogLevel))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.EventLog.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			runner, err := migrate.New(pool, cfg.EventLog.DatabaseURL, cfg.EventLog.MigrationsDir, log)
			if err != nil {
				return err
			}
			switch args[0] {
			case "up":
				err = runner.Ensure(ctx)
			case "status":
				err = runner.Status(ctx)
			case "down":
				err = runner.Down(ctx, target)
			}
			if err != nil {
				return err
			}
			log.Info("migration command completed", "command", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	cmd.Flags().Int64Var(&target, "target", 0, "target version for down (default: one step)")
	return cmd
}
