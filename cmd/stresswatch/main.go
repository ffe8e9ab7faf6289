// Command stresswatch is the entry point: an HTTP server for the read API
// and scheduler trigger, plus one-shot subcommands for the pipeline,
// backfill, normalization and migrations.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stresswatch",
	Short: "Daily macro stress scores for emerging-market currencies",
	Long: `stresswatch fuses FX volatility, inflation, sovereign spreads, crypto
flight indicators and reserve drawdowns into one daily 0-100 stress score
per country, and serves the scoreboard over HTTP.`,
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(migrateCmd)
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
