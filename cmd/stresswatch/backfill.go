package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stresswatch/stresswatch/internal/backfill"
)

var backfillOnly []string

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Populate historical daily rows from the source providers",
	Long: `Runs the one-shot historical ingestors. Each source family fetches its
sparse series and expands it into dense per-day rows. Without --only, every
reducer runs in dependency-free order: fx, inflation, sovereign, reserves,
crypto.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		reducers := map[string]func() error{
			"fx": func() error {
				return backfill.NewFXReducer(a.repo, a.alphaVantage, a.bluelytics).Run(ctx)
			},
			"inflation": func() error {
				return backfill.NewInflationReducer(a.repo, a.worldBank).Run(ctx)
			},
			"sovereign": func() error {
				return backfill.NewSovereignReducer(a.repo, a.fred, a.imf).Run(ctx)
			},
			"reserves": func() error {
				return backfill.NewReservesReducer(a.repo, a.imf).Run(ctx)
			},
			"crypto": func() error {
				return backfill.NewCryptoReducer(a.repo, a.coinGecko).Run(ctx)
			},
		}
		order := []string{"fx", "inflation", "sovereign", "reserves", "crypto"}

		selected := backfillOnly
		if len(selected) == 0 {
			selected = order
		}
		for _, name := range selected {
			reducer, ok := reducers[name]
			if !ok {
				return fmt.Errorf("unknown reducer %q (valid: %v)", name, order)
			}
			if err := reducer(); err != nil {
				return fmt.Errorf("backfill %s: %w", name, err)
			}
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillOnly, "only", nil,
		"run only the named reducers (fx, inflation, sovereign, reserves, crypto)")
}
