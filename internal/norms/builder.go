// Package norms computes and persists the per-(country, metric) p5/p95
// clamp bounds the scoring engine normalizes against. Intended to run
// offline after backfill and quarterly thereafter.
package norms

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/mathkit"
	"github.com/stresswatch/stresswatch/internal/persistence"
)

const (
	// Method tags the stored bounds with how they were derived.
	Method = "p5_p95_clamped"

	// minSamples below which a metric is skipped; a later run can fill it
	// once more history accumulates.
	minSamples = 10

	// cryptoWindowDays bounds the crypto_ratio window; the provider only
	// serves a year of free history.
	cryptoWindowDays = 365
)

// HistoryAnchor is the fixed start of the full-history window.
var HistoryAnchor = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// scoringMetrics are the observation columns that get clamp bounds.
var scoringMetrics = []string{
	persistence.ColFXVol,
	persistence.ColInflation,
	persistence.ColRiskSpread,
	persistence.ColCryptoRatio,
	persistence.ColReservesChange,
	persistence.ColStablecoinPremium,
}

// Builder computes clamp bounds from stored observations.
type Builder struct {
	repo *persistence.Repository
	now  func() time.Time
}

// NewBuilder creates the normalization builder.
func NewBuilder(repo *persistence.Repository) *Builder {
	return &Builder{repo: repo, now: time.Now}
}

// Result summarizes one builder run.
type Result struct {
	Written int
	Skipped int
}

// Run recomputes bounds for every (country, metric) pair.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	countries, err := b.repo.Countries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load countries: %w", err)
	}

	now := b.now().UTC()
	result := &Result{}

	for _, country := range countries {
		for _, metric := range scoringMetrics {
			from := HistoryAnchor
			if metric == persistence.ColCryptoRatio {
				from = now.AddDate(0, 0, -cryptoWindowDays)
			}

			values, err := b.repo.Observations.MetricValues(ctx, country.ID, metric, from, now)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s values for %s: %w", metric, country.ISO2, err)
			}
			if len(values) < minSamples {
				log.Debug().Str("country", country.ISO2).Str("metric", metric).
					Int("samples", len(values)).Msg("Too few samples, skipping bounds")
				result.Skipped++
				continue
			}

			lo := mathkit.Percentile(values, 5)
			hi := mathkit.Percentile(values, 95)
			if hi <= lo {
				log.Warn().Str("country", country.ISO2).Str("metric", metric).
					Float64("p5", lo).Float64("p95", hi).Msg("Degenerate bounds, skipping")
				result.Skipped++
				continue
			}

			err = b.repo.Norms.Upsert(ctx, persistence.NormalizationParam{
				CountryID:   country.ID,
				MetricName:  metric,
				MinVal:      lo,
				MaxVal:      hi,
				Method:      Method,
				WindowStart: from,
				WindowEnd:   now,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to store bounds for %s/%s: %w", country.ISO2, metric, err)
			}
			result.Written++
		}
	}

	log.Info().Int("written", result.Written).Int("skipped", result.Skipped).
		Msg("Normalization bounds rebuilt")
	return result, nil
}
