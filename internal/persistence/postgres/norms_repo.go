package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stresswatch/stresswatch/internal/persistence"
)

// normsRepo implements persistence.NormalizationRepo for PostgreSQL.
type normsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewNormsRepo creates the PostgreSQL normalization-parameter repository.
func NewNormsRepo(db *sqlx.DB, timeout time.Duration) persistence.NormalizationRepo {
	return &normsRepo{db: db, timeout: timeout}
}

// Upsert writes clamp bounds keyed by (country, metric). Degenerate bounds
// are refused; a stale row with max <= min would poison every later scoring
// call for the metric.
func (r *normsRepo) Upsert(ctx context.Context, param persistence.NormalizationParam) error {
	if param.MaxVal <= param.MinVal {
		return fmt.Errorf("degenerate normalization bounds for %s: min %f, max %f",
			param.MetricName, param.MinVal, param.MaxVal)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO normalization_params
			(country_id, metric_name, min_val, max_val, method, window_start, window_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (country_id, metric_name) DO UPDATE SET
			min_val = EXCLUDED.min_val,
			max_val = EXCLUDED.max_val,
			method = EXCLUDED.method,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query,
		param.CountryID, param.MetricName, param.MinVal, param.MaxVal,
		param.Method, param.WindowStart, param.WindowEnd); err != nil {
		return fmt.Errorf("failed to upsert normalization param: %w", err)
	}
	return nil
}

// ListAll returns every stored parameter.
func (r *normsRepo) ListAll(ctx context.Context) ([]persistence.NormalizationParam, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, country_id, metric_name, min_val, max_val, method,
			window_start, window_end, updated_at
		FROM normalization_params
		ORDER BY country_id, metric_name`

	var params []persistence.NormalizationParam
	if err := r.db.SelectContext(ctx, &params, query); err != nil {
		return nil, fmt.Errorf("failed to list normalization params: %w", err)
	}
	return params, nil
}
