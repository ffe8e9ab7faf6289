package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// InflationReducer expands the annual YoY CPI series to daily rows. The
// acceleration metric uses a two-year delta to smooth single-year noise.
type InflationReducer struct {
	repo *persistence.Repository
	wb   *sources.WorldBank
	now  func() time.Time
}

// NewInflationReducer creates the inflation backfill reducer.
func NewInflationReducer(repo *persistence.Repository, wb *sources.WorldBank) *InflationReducer {
	return &InflationReducer{repo: repo, wb: wb, now: time.Now}
}

// Run backfills every country from the history anchor through today.
func (r *InflationReducer) Run(ctx context.Context) error {
	countries, err := r.repo.Countries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load countries: %w", err)
	}

	to := utcDay(r.now())
	for _, country := range countries {
		series, err := r.wb.InflationSeries(ctx, country.ISO2)
		if err != nil {
			log.Error().Err(err).Str("country", country.ISO2).Msg("Inflation backfill fetch failed")
			continue
		}

		updates := buildInflationUpdates(country.ID, series, HistoryAnchor, to)
		if err := upsertBatches(ctx, r.repo.Observations, updates); err != nil {
			return fmt.Errorf("failed to upsert inflation rows for %s: %w", country.ISO2, err)
		}
		log.Info().Str("country", country.ISO2).Int("rows", len(updates)).Msg("Inflation backfill complete")
	}
	return nil
}

// buildInflationUpdates forward-fills each year's YoY value across its
// calendar days. Acceleration is yoy[y] - yoy[y-2]; the first two covered
// years have no acceleration.
func buildInflationUpdates(countryID int64, series []sources.AnnualValue, from, to time.Time) []persistence.ObservationUpdate {
	byYear := make(map[int]float64, len(series))
	for _, v := range series {
		byYear[v.Year] = v.Value
	}

	var updates []persistence.ObservationUpdate
	eachDay(from, to, func(day time.Time) {
		yoy, ok := byYear[day.Year()]
		if !ok {
			return
		}
		cols := map[string]float64{persistence.ColInflationYoY: yoy}
		if prev, ok := byYear[day.Year()-2]; ok {
			cols[persistence.ColInflation] = yoy - prev
		}
		updates = append(updates, persistence.ObservationUpdate{
			CountryID: countryID,
			Date:      day,
			Columns:   cols,
		})
	})
	return updates
}
