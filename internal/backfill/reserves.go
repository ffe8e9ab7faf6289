package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/mathkit"
	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// ReservesReducer materializes reserves_level and reserves_change from the
// IMF monthly series. The change is computed at monthly granularity with a
// three-month window, approximating 90 days, before daily expansion.
type ReservesReducer struct {
	repo *persistence.Repository
	imf  *sources.IMF
	now  func() time.Time
}

// NewReservesReducer creates the reserves backfill reducer.
func NewReservesReducer(repo *persistence.Repository, imf *sources.IMF) *ReservesReducer {
	return &ReservesReducer{repo: repo, imf: imf, now: time.Now}
}

// Run backfills every country with an IMF area code.
func (r *ReservesReducer) Run(ctx context.Context) error {
	countries, err := r.repo.Countries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load countries: %w", err)
	}

	to := utcDay(r.now())
	years := to.Year() - HistoryAnchor.Year() + 1

	for _, country := range countries {
		if country.IMFCode == nil {
			log.Warn().Str("country", country.ISO2).Msg("No IMF code, skipping reserves backfill")
			continue
		}

		monthly, err := r.imf.ReservesSeries(ctx, *country.IMFCode, years)
		if err != nil {
			log.Error().Err(err).Str("country", country.ISO2).Msg("Reserves backfill fetch failed")
			continue
		}

		updates := buildReservesUpdates(country.ID, monthly, HistoryAnchor, to)
		if err := upsertBatches(ctx, r.repo.Observations, updates); err != nil {
			return fmt.Errorf("failed to upsert reserves rows for %s: %w", country.ISO2, err)
		}
		log.Info().Str("country", country.ISO2).Int("rows", len(updates)).Msg("Reserves backfill complete")
	}
	return nil
}

// monthlyReservesChange returns the percent change of each month's level
// against the level three months earlier; nil for the first three months.
func monthlyReservesChange(monthly []sources.MonthlyValue) []*float64 {
	changes := make([]*float64, len(monthly))
	for i := 3; i < len(monthly); i++ {
		if pct, ok := mathkit.PercentChange(monthly[i].Value, monthly[i-3].Value); ok {
			v := pct
			changes[i] = &v
		}
	}
	return changes
}

// buildReservesUpdates forward-fills each month's level and change across
// its calendar days.
func buildReservesUpdates(countryID int64, monthly []sources.MonthlyValue, from, to time.Time) []persistence.ObservationUpdate {
	if len(monthly) == 0 {
		return nil
	}
	changes := monthlyReservesChange(monthly)

	var updates []persistence.ObservationUpdate
	idx := 0
	var level *float64
	var change *float64

	eachDay(from, to, func(day time.Time) {
		for idx < len(monthly) && !utcDay(monthly[idx].Date).After(day) {
			v := monthly[idx].Value
			level = &v
			change = changes[idx]
			idx++
		}
		if level == nil {
			return
		}

		cols := map[string]float64{persistence.ColReservesLevel: *level}
		if change != nil {
			cols[persistence.ColReservesChange] = *change
		}
		updates = append(updates, persistence.ObservationUpdate{
			CountryID: countryID,
			Date:      day,
			Columns:   cols,
		})
	})
	return updates
}
