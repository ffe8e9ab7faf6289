package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// SovereignReducer materializes sovereign_yield, us_10y and risk_spread.
// Countries with a FRED series use it; the rest fall back to the IMF IFS
// monthly series, which may simply not exist for some.
type SovereignReducer struct {
	repo *persistence.Repository
	fred *sources.FRED
	imf  *sources.IMF
	now  func() time.Time
}

// NewSovereignReducer creates the sovereign-yield backfill reducer.
func NewSovereignReducer(repo *persistence.Repository, fred *sources.FRED, imf *sources.IMF) *SovereignReducer {
	return &SovereignReducer{repo: repo, fred: fred, imf: imf, now: time.Now}
}

// Run backfills every country from the history anchor through today.
func (r *SovereignReducer) Run(ctx context.Context) error {
	countries, err := r.repo.Countries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load countries: %w", err)
	}

	riskFree, err := r.fred.Series(ctx, "DGS10", 100000)
	if err != nil {
		return fmt.Errorf("failed to fetch risk-free series: %w", err)
	}
	riskFreeByDay := make(map[time.Time]float64, len(riskFree))
	for _, p := range riskFree {
		riskFreeByDay[utcDay(p.Date)] = p.Value
	}

	to := utcDay(r.now())
	for _, country := range countries {
		yields, err := r.fetchYields(ctx, country)
		if err != nil {
			log.Warn().Err(err).Str("country", country.ISO2).Msg("Sovereign backfill fetch failed")
			continue
		}

		updates := buildSovereignUpdates(country.ID, yields, riskFreeByDay, HistoryAnchor, to)
		if err := upsertBatches(ctx, r.repo.Observations, updates); err != nil {
			return fmt.Errorf("failed to upsert sovereign rows for %s: %w", country.ISO2, err)
		}
		log.Info().Str("country", country.ISO2).Int("rows", len(updates)).Msg("Sovereign backfill complete")
	}
	return nil
}

func (r *SovereignReducer) fetchYields(ctx context.Context, country persistence.Country) ([]sources.SeriesPoint, error) {
	if country.PrimarySourceSeriesID != nil {
		return r.fred.Series(ctx, *country.PrimarySourceSeriesID, 100000)
	}

	code := ""
	if country.IMFCode != nil {
		code = *country.IMFCode
	}
	monthly, err := r.imf.SovereignYieldSeries(ctx, code, 10)
	if err != nil {
		return nil, err
	}
	points := make([]sources.SeriesPoint, len(monthly))
	for i, m := range monthly {
		points[i] = sources.SeriesPoint{Date: m.Date, Value: m.Value}
	}
	return points, nil
}

// buildSovereignUpdates forward-fills the yield across calendar days. The
// risk spread is written only for days with an exact risk-free observation;
// weekends and holidays leave it null.
func buildSovereignUpdates(countryID int64, yields []sources.SeriesPoint, riskFreeByDay map[time.Time]float64, from, to time.Time) []persistence.ObservationUpdate {
	if len(yields) == 0 {
		return nil
	}

	var updates []persistence.ObservationUpdate
	idx := 0
	var current *float64

	eachDay(from, to, func(day time.Time) {
		for idx < len(yields) && !utcDay(yields[idx].Date).After(day) {
			v := yields[idx].Value
			current = &v
			idx++
		}
		if current == nil {
			return
		}

		cols := map[string]float64{persistence.ColSovereignYield: *current}
		if rf, ok := riskFreeByDay[day]; ok {
			cols[persistence.ColUS10Y] = rf
			cols[persistence.ColRiskSpread] = *current - rf
		}
		updates = append(updates, persistence.ObservationUpdate{
			CountryID: countryID,
			Date:      day,
			Columns:   cols,
		})
	})
	return updates
}
