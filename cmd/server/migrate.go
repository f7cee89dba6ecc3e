package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"premiumpay/internal/database"
	"premiumpay/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New(cfg.Log)
		db, err := database.NewDB(&cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := database.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
		return nil
	},
}
