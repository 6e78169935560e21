package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/mini-nac/internal/config"
	"github.com/tendant/mini-nac/pkg/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the session directory and RADIUS tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		ctx := cmd.Context()

		if cfg.Directory.Backend == "postgres" {
			db, err := repository.NewDB(repository.Config{
				Host:     cfg.DBHost,
				Port:     cfg.DBPort,
				User:     cfg.DBUser,
				Password: cfg.DBPassword,
				DBName:   cfg.DBName,
				SSLMode:  cfg.DBSSLMode,
			})
			if err != nil {
				return fmt.Errorf("connecting to session database: %w", err)
			}
			defer db.Close()

			if err := repository.EnsureSchema(ctx, db); err != nil {
				return err
			}
			logger.Info("session directory schema ready", "db", cfg.DBName)

			if !cfg.RadiusDBSeparate() {
				if err := repository.EnsureRadiusSchema(ctx, db); err != nil {
					return err
				}
				logger.Info("radius schema ready", "db", cfg.DBName)
				return nil
			}
		}

		radiusDB, err := repository.NewDB(repository.Config{
			Host:     cfg.RadiusDB.Host,
			Port:     cfg.RadiusDB.Port,
			User:     cfg.RadiusDB.User,
			Password: cfg.RadiusDB.Password,
			DBName:   cfg.RadiusDB.Name,
			SSLMode:  cfg.RadiusDB.SSLMode,
		})
		if err != nil {
			return fmt.Errorf("connecting to radius database: %w", err)
		}
		defer radiusDB.Close()

		if err := repository.EnsureRadiusSchema(ctx, radiusDB); err != nil {
			return err
		}
		logger.Info("radius schema ready", "db", cfg.RadiusDB.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
