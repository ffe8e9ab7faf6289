package backfill

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// CryptoReducer materializes the global crypto ratio. The provider limits
// free history to 365 days; each day's ratio is replicated to every country.
type CryptoReducer struct {
	repo *persistence.Repository
	gecko *sources.CoinGecko
}

// NewCryptoReducer creates the crypto backfill reducer.
func NewCryptoReducer(repo *persistence.Repository, gecko *sources.CoinGecko) *CryptoReducer {
	return &CryptoReducer{repo: repo, gecko: gecko}
}

// Run backfills the trailing year for all countries.
func (r *CryptoReducer) Run(ctx context.Context) error {
	countries, err := r.repo.Countries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load countries: %w", err)
	}

	series, err := r.gecko.RatioSeries(ctx, 365)
	if err != nil {
		return fmt.Errorf("failed to fetch crypto ratio series: %w", err)
	}

	updates := buildCryptoUpdates(countries, series)
	if err := upsertBatches(ctx, r.repo.Observations, updates); err != nil {
		return fmt.Errorf("failed to upsert crypto rows: %w", err)
	}
	log.Info().Int("days", len(series)).Int("rows", len(updates)).Msg("Crypto backfill complete")
	return nil
}

func buildCryptoUpdates(countries []persistence.Country, series []sources.CryptoRatio) []persistence.ObservationUpdate {
	updates := make([]persistence.ObservationUpdate, 0, len(countries)*len(series))
	for _, day := range series {
		for _, country := range countries {
			updates = append(updates, persistence.ObservationUpdate{
				CountryID: country.ID,
				Date:      utcDay(day.Date),
				Columns:   map[string]float64{persistence.ColCryptoRatio: day.Ratio},
			})
		}
	}
	return updates
}
