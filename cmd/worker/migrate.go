package main

import (
	"fmt"

	"partnerlink/internal/config"
	"partnerlink/internal/repository"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Applies the SQL migrations in ./migration against Postgres, or
auto-migrates the models for SQLite.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := repository.InitDB(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := repository.Migrate(cfg, db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database migrations executed successfully.")
			return nil
		},
	}
}
