package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest deploy or recent history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.NewWriter(cmd.ErrOrStderr(), "shipyard", logger.ParseLevel(cfg.LogLevel))
			events, closeEvents, err := openEventLog(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer closeEvents()

			out := cmd.OutOrStdout()
			if limit <= 1 {
				ev, err := events.Latest(cmd.Context())
				if errors.Is(err, repository.ErrNotFound) {
					warnColor.Fprintln(out, "No deploy logs yet")
					return nil
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, ev)
				}
				printSummary(out, *ev)
				return nil
			}

			list, err := events.List(cmd.Context(), repository.ClampLimit(limit))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				warnColor.Fprintln(out, "No deploy logs yet")
				return nil
			}
			headerColor.Fprintf(out, "last %d deploys\n", len(list))
			for _, ev := range list {
				printHistoryLine(out, ev)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	cmd.Flags().IntVar(&limit, "limit", 1, fmt.Sprintf("number of events to show (max %d)", repository.MaxListLimit))
	return cmd
}
