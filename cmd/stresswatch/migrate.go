package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stresswatch/stresswatch/internal/config"
	"github.com/stresswatch/stresswatch/internal/persistence/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and seed the country registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := postgres.Migrate(ctx, a.db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}

		countries, err := config.LoadCountries(a.cfg.CountriesFile)
		if err != nil {
			return err
		}
		if err := a.repo.Countries.Seed(ctx, countries); err != nil {
			return fmt.Errorf("country seed failed: %w", err)
		}

		log.Info().Int("countries", len(countries)).Msg("Migrations applied and registry seeded")
		return nil
	},
}
