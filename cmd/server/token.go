package main

import (
	"errors"
	"fmt"
	"time"

	"trustlink/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	tokenDevice string
	tokenRole   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		ttl := tokenTTL
		if ttl == 0 {
			ttl = cfg.Auth.TokenTTL
		}

		token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), tokenDevice, tokenRole, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "handset", "device name recorded in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "elder", "elder or caregiver")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}
