package main

import (
	"errors"

	"github.com/spf13/cobra"

	"fleetdispatch/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required")
		}
		pg, err := store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		applied, err := pg.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied")
		}
		log.Info().Int("applied", len(applied)).Msg("migrations up to date")
		return nil
	},
}
