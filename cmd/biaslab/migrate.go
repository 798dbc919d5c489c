package main

import (
	"github.com/spf13/cobra"

	"github.com/bias-lab/biaslab-go/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(cmd.Context(), cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}
