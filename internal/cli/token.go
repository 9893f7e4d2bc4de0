package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for POST /deploy/manual",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.OperatorTokenSecret == "" {
				return errors.New("OPERATOR_TOKEN_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := jwt.GenerateToken(operator, cfg.Auth.OperatorTokenSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default OPERATOR_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
