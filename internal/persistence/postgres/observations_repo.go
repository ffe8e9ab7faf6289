package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stresswatch/stresswatch/internal/persistence"
)

// updatableColumns is the whitelist of observation columns a partial upsert
// may supply. Column names also flow into dynamically built queries, so
// everything must pass through this set.
var updatableColumns = map[string]bool{
	persistence.ColFXClose:           true,
	persistence.ColInflationYoY:      true,
	persistence.ColSovereignYield:    true,
	persistence.ColUS10Y:             true,
	persistence.ColReservesLevel:     true,
	persistence.ColParallelGap:       true,
	persistence.ColFXVol:             true,
	persistence.ColInflation:         true,
	persistence.ColRiskSpread:        true,
	persistence.ColCryptoRatio:       true,
	persistence.ColReservesChange:    true,
	persistence.ColStablecoinPremium: true,
	persistence.ColStressScore:       true,
}

const observationSelectColumns = `id, country_id, date, fx_close, inflation_yoy,
	sovereign_yield, us_10y, reserves_level, parallel_gap, fx_vol, inflation,
	risk_spread, crypto_ratio, reserves_change, stablecoin_premium,
	stress_score, data_flags, created_at, updated_at`

// observationsRepo implements persistence.ObservationsRepo for PostgreSQL.
type observationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationsRepo creates the PostgreSQL observations repository.
func NewObservationsRepo(db *sqlx.DB, timeout time.Duration) persistence.ObservationsRepo {
	return &observationsRepo{db: db, timeout: timeout}
}

// Upsert writes one partial row keyed by (country, date). Only the supplied
// columns overwrite the stored row; flags and updated_at always do.
func (r *observationsRepo) Upsert(ctx context.Context, update persistence.ObservationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := buildObservationUpsert(update)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert observation: %w", err)
	}
	return nil
}

// UpsertBatch writes many partial rows in one transaction.
func (r *observationsRepo) UpsertBatch(ctx context.Context, updates []persistence.ObservationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(updates)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, update := range updates {
		query, args, err := buildObservationUpsert(update)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert observation in batch: %w", err)
		}
	}

	return tx.Commit()
}

// buildObservationUpsert renders the partial-column upsert. Supplied columns
// are sorted so identical updates produce identical SQL.
func buildObservationUpsert(update persistence.ObservationUpdate) (string, []interface{}, error) {
	cols := make([]string, 0, len(update.Columns))
	for col := range update.Columns {
		if !updatableColumns[col] {
			return "", nil, fmt.Errorf("invalid observation column: %s", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	flags := update.Flags
	if flags == nil {
		flags = map[string]interface{}{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal data flags: %w", err)
	}

	insertCols := []string{"country_id", "date"}
	placeholders := []string{"$1", "$2"}
	args := []interface{}{update.CountryID, update.Date}
	setClauses := make([]string, 0, len(cols)+2)

	for _, col := range cols {
		args = append(args, update.Columns[col])
		insertCols = append(insertCols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	args = append(args, flagsJSON)
	insertCols = append(insertCols, "data_flags")
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	setClauses = append(setClauses, "data_flags = EXCLUDED.data_flags", "updated_at = now()")

	query := fmt.Sprintf(`
		INSERT INTO daily_observations (%s)
		VALUES (%s)
		ON CONFLICT (country_id, date) DO UPDATE SET %s`,
		strings.Join(insertCols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(setClauses, ", "))

	return query, args, nil
}

// LatestValue returns the most recent non-null value of a column.
func (r *observationsRepo) LatestValue(ctx context.Context, countryID int64, column string) (*persistence.ValueAt, error) {
	return r.pointValue(ctx, countryID, column, "", nil)
}

// ValueOnOrBefore returns the most recent non-null value at or before date.
func (r *observationsRepo) ValueOnOrBefore(ctx context.Context, countryID int64, column string, date time.Time) (*persistence.ValueAt, error) {
	return r.pointValue(ctx, countryID, column, "AND date <= $2", []interface{}{date})
}

// LatestValueInWindow returns the most recent non-null value within [from, to].
func (r *observationsRepo) LatestValueInWindow(ctx context.Context, countryID int64, column string, from, to time.Time) (*persistence.ValueAt, error) {
	return r.pointValue(ctx, countryID, column, "AND date >= $2 AND date <= $3", []interface{}{from, to})
}

func (r *observationsRepo) pointValue(ctx context.Context, countryID int64, column, cond string, extra []interface{}) (*persistence.ValueAt, error) {
	if !updatableColumns[column] {
		return nil, fmt.Errorf("invalid observation column: %s", column)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s AS value, date
		FROM daily_observations
		WHERE country_id = $1 AND %s IS NOT NULL %s
		ORDER BY date DESC
		LIMIT 1`, column, column, cond)

	args := append([]interface{}{countryID}, extra...)

	var v persistence.ValueAt
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&v.Value, &v.Date); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query %s point value: %w", column, err)
	}
	return &v, nil
}

// PriorCloses returns up to limit fx_close values strictly before the date,
// ascending.
func (r *observationsRepo) PriorCloses(ctx context.Context, countryID int64, before time.Time, limit int) ([]persistence.ValueAt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT fx_close AS value, date
		FROM daily_observations
		WHERE country_id = $1 AND date < $2 AND fx_close IS NOT NULL
		ORDER BY date DESC
		LIMIT $3`

	var values []persistence.ValueAt
	if err := r.db.SelectContext(ctx, &values, query, countryID, before, limit); err != nil {
		return nil, fmt.Errorf("failed to query prior closes: %w", err)
	}

	// Query is newest-first for the index; callers want chronological.
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// LatestScored returns the newest row with a non-null stress score.
func (r *observationsRepo) LatestScored(ctx context.Context, countryID int64) (*persistence.Observation, error) {
	return r.scoredRow(ctx, countryID, "", nil)
}

// ScoredOnOrBefore returns the newest scored row at or before date.
func (r *observationsRepo) ScoredOnOrBefore(ctx context.Context, countryID int64, date time.Time) (*persistence.Observation, error) {
	return r.scoredRow(ctx, countryID, "AND date <= $2", []interface{}{date})
}

func (r *observationsRepo) scoredRow(ctx context.Context, countryID int64, cond string, extra []interface{}) (*persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM daily_observations
		WHERE country_id = $1 AND stress_score IS NOT NULL %s
		ORDER BY date DESC
		LIMIT 1`, observationSelectColumns, cond)

	args := append([]interface{}{countryID}, extra...)

	obs, err := scanObservation(r.db.QueryRowxContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query scored observation: %w", err)
	}
	return obs, nil
}

// ScoredHistory returns up to limit most recent scored rows, chronological.
func (r *observationsRepo) ScoredHistory(ctx context.Context, countryID int64, limit int) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM daily_observations
		WHERE country_id = $1 AND stress_score IS NOT NULL
		ORDER BY date DESC
		LIMIT $2`, observationSelectColumns)

	rows, err := r.db.QueryxContext(ctx, query, countryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scored history: %w", err)
	}
	defer rows.Close()

	var history []persistence.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// MetricValues returns every non-null value of a column within [from, to].
func (r *observationsRepo) MetricValues(ctx context.Context, countryID int64, column string, from, to time.Time) ([]float64, error) {
	if !updatableColumns[column] {
		return nil, fmt.Errorf("invalid observation column: %s", column)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM daily_observations
		WHERE country_id = $1 AND %s IS NOT NULL AND date >= $2 AND date <= $3
		ORDER BY date ASC`, column, column)

	var values []float64
	if err := r.db.SelectContext(ctx, &values, query, countryID, from, to); err != nil {
		return nil, fmt.Errorf("failed to query %s values: %w", column, err)
	}
	return values, nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(row rowScanner) (*persistence.Observation, error) {
	var obs persistence.Observation
	var flagsJSON []byte

	err := row.Scan(
		&obs.ID, &obs.CountryID, &obs.Date, &obs.FXClose, &obs.InflationYoY,
		&obs.SovereignYield, &obs.US10Y, &obs.ReservesLevel, &obs.ParallelGap,
		&obs.FXVol, &obs.Inflation, &obs.RiskSpread, &obs.CryptoRatio,
		&obs.ReservesChange, &obs.StablecoinPremium, &obs.StressScore,
		&flagsJSON, &obs.CreatedAt, &obs.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &obs.DataFlags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data flags: %w", err)
		}
	} else {
		obs.DataFlags = map[string]interface{}{}
	}
	return &obs, nil
}
