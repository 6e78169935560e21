package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/mini-nac/internal/config"
	"github.com/tendant/mini-nac/pkg/auth"
)

var (
	tokenAdminID string
	tokenName    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an administrator bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		adminID := uuid.New()
		if tokenAdminID != "" {
			adminID, err = uuid.Parse(tokenAdminID)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
		}

		tokens := auth.NewAdminTokens(auth.AdminTokenConfig{
			Secret: []byte(cfg.AdminJWTSecret),
			Issuer: cfg.AdminJWTIssuer,
			TTL:    tokenTTL,
		})
		token, err := tokens.Issue(adminID, tokenName)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAdminID, "id", "", "administrator UUID (default: random)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "administrator display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultAdminTokenTTL, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
