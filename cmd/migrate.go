package cmd

import (
	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the database schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Str("driver", cfg.DB.Driver).Msg("Connecting to database")
		db, err := database.Connect(cfg.DB, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = database.Close(db)
		}()

		log.Info().Msg("Running database migrations")
		if err := models.SetupModels(db); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}

		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
