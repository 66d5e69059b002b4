package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/api"
	"github.com/switchboard-ai/switchboard/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token (jwt auth mode only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, nil, "switchboard.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Mode != "jwt" {
				return fmt.Errorf("token minting requires auth mode \"jwt\", config has %q", cfg.Auth.Mode)
			}

			subject, _ := cmd.Flags().GetString("subject")
			expiry, _ := cmd.Flags().GetDuration("expiry")
			if expiry == 0 {
				expiry = cfg.Auth.JWTExpiry.Duration
			}
			if expiry == 0 {
				expiry = 24 * time.Hour
			}

			token, err := api.MintToken(cfg.Auth.JWTSecret, subject, expiry)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "cli", "token subject claim")
	cmd.Flags().Duration("expiry", 0, "token lifetime (default: config jwt_expiry, else 24h)")
	return cmd
}
