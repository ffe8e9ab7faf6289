// Package backfill contains the one-shot historical ingestors. Each reducer
// pulls a sparse source series, expands it to dense per-day rows via
// forward-fill, and upserts in batches. Reducers run offline; the daily
// pipeline assumes their output is already in place.
package backfill

import (
	"context"
	"time"

	"github.com/stresswatch/stresswatch/internal/persistence"
)

const (
	batchSize = 500

	// parallelMarketISO2 is the only country with a tracked parallel rate.
	parallelMarketISO2 = "AR"
)

// HistoryAnchor is the earliest date the reducers materialize rows for.
var HistoryAnchor = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// upsertBatches writes updates in fixed-size transactional chunks.
func upsertBatches(ctx context.Context, repo persistence.ObservationsRepo, updates []persistence.ObservationUpdate) error {
	for start := 0; start < len(updates); start += batchSize {
		end := start + batchSize
		if end > len(updates) {
			end = len(updates)
		}
		if err := repo.UpsertBatch(ctx, updates[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// utcDay truncates to a UTC calendar date.
func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// eachDay calls fn for every calendar day in [from, to].
func eachDay(from, to time.Time, fn func(day time.Time)) {
	for day := utcDay(from); !day.After(utcDay(to)); day = day.AddDate(0, 0, 1) {
		fn(day)
	}
}
