package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stresswatch/stresswatch/internal/norms"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Recompute the p5/p95 clamp bounds from stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := norms.NewBuilder(a.repo).Run(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("written", result.Written).Int("skipped", result.Skipped).
			Msg("Normalization complete")
		return nil
	},
}
