package backfill

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/mathkit"
	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// FXReducer materializes fx_close and fx_vol across the full available FX
// history, one provider call per country.
type FXReducer struct {
	repo     *persistence.Repository
	fx       *sources.AlphaVantage
	parallel *sources.Bluelytics
}

// NewFXReducer creates the FX backfill reducer.
func NewFXReducer(repo *persistence.Repository, fx *sources.AlphaVantage, parallel *sources.Bluelytics) *FXReducer {
	return &FXReducer{repo: repo, fx: fx, parallel: parallel}
}

// Run backfills every country. Per-country failures are logged and skipped;
// the reducer keeps going.
func (r *FXReducer) Run(ctx context.Context) error {
	countries, err := r.repo.Countries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load countries: %w", err)
	}

	for _, country := range countries {
		series, err := r.fx.FullSeries(ctx, country.Currency)
		if err != nil {
			log.Error().Err(err).Str("country", country.ISO2).Msg("FX backfill fetch failed")
			continue
		}

		updates := buildFXUpdates(country.ID, series)
		if len(updates) == 0 {
			continue
		}

		// Historical parallel-market data is unavailable; today's gap is
		// attached to the newest row only.
		if country.ISO2 == parallelMarketISO2 {
			if gap, err := r.parallel.FetchGap(ctx); err != nil {
				log.Warn().Err(err).Msg("Parallel gap fetch failed during FX backfill")
			} else {
				updates[len(updates)-1].Columns[persistence.ColParallelGap] = gap.GapPercent
			}
		}

		if err := upsertBatches(ctx, r.repo.Observations, updates); err != nil {
			return fmt.Errorf("failed to upsert FX rows for %s: %w", country.ISO2, err)
		}
		log.Info().Str("country", country.ISO2).Int("rows", len(updates)).Msg("FX backfill complete")
	}
	return nil
}

// buildFXUpdates computes the rolling volatility across the whole series and
// emits one update per trading day on or after the history anchor.
func buildFXUpdates(countryID int64, series []sources.DailyClose) []persistence.ObservationUpdate {
	closes := make([]*float64, len(series))
	for i := range series {
		c := series[i].Close
		closes[i] = &c
	}
	vols := mathkit.RollingLogReturnStdDev(closes, 30)

	updates := make([]persistence.ObservationUpdate, 0, len(series))
	for i, day := range series {
		if day.Date.Before(HistoryAnchor) {
			continue
		}
		cols := map[string]float64{persistence.ColFXClose: day.Close}
		if vols[i] != nil {
			cols[persistence.ColFXVol] = *vols[i]
		}
		updates = append(updates, persistence.ObservationUpdate{
			CountryID: countryID,
			Date:      utcDay(day.Date),
			Columns:   cols,
		})
	}
	return updates
}
