// Package persistence defines the storage contracts for the stress pipeline:
// the country registry, the per-(country, date) observation rows, the
// normalization parameters and the append-only run log.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point queries when no matching row exists.
// Callers treat it as "no data", not as a failure.
var ErrNotFound = errors.New("persistence: not found")

// Run log terminal statuses.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// Observation column names accepted by partial upserts. The orchestrator and
// the backfill reducers only ever write these.
const (
	ColFXClose           = "fx_close"
	ColInflationYoY      = "inflation_yoy"
	ColSovereignYield    = "sovereign_yield"
	ColUS10Y             = "us_10y"
	ColReservesLevel     = "reserves_level"
	ColParallelGap       = "parallel_gap"
	ColFXVol             = "fx_vol"
	ColInflation         = "inflation"
	ColRiskSpread        = "risk_spread"
	ColCryptoRatio       = "crypto_ratio"
	ColReservesChange    = "reserves_change"
	ColStablecoinPremium = "stablecoin_premium"
	ColStressScore       = "stress_score"
)

// Country is one row of the stable country registry. Seeded once, never
// mutated by the pipeline.
type Country struct {
	ID                    int64   `json:"id" db:"id"`
	Name                  string  `json:"name" db:"name"`
	ISO2                  string  `json:"iso2" db:"iso2"`
	ISO3                  string  `json:"iso3" db:"iso3"`
	IMFCode               *string `json:"imf_code,omitempty" db:"imf_code"`
	Currency              string  `json:"currency" db:"currency"`
	PrimarySourceSeriesID *string `json:"primary_source_series_id,omitempty" db:"primary_source_series_id"`
}

// Observation is one (country, date) row. Raw columns are nullable; derived
// metric columns mirror the scoring inputs.
type Observation struct {
	ID                int64                  `json:"id" db:"id"`
	CountryID         int64                  `json:"country_id" db:"country_id"`
	Date              time.Time              `json:"date" db:"date"`
	FXClose           *float64               `json:"fx_close,omitempty" db:"fx_close"`
	InflationYoY      *float64               `json:"inflation_yoy,omitempty" db:"inflation_yoy"`
	SovereignYield    *float64               `json:"sovereign_yield,omitempty" db:"sovereign_yield"`
	US10Y             *float64               `json:"us_10y,omitempty" db:"us_10y"`
	ReservesLevel     *float64               `json:"reserves_level,omitempty" db:"reserves_level"`
	ParallelGap       *float64               `json:"parallel_gap,omitempty" db:"parallel_gap"`
	FXVol             *float64               `json:"fx_vol,omitempty" db:"fx_vol"`
	Inflation         *float64               `json:"inflation,omitempty" db:"inflation"`
	RiskSpread        *float64               `json:"risk_spread,omitempty" db:"risk_spread"`
	CryptoRatio       *float64               `json:"crypto_ratio,omitempty" db:"crypto_ratio"`
	ReservesChange    *float64               `json:"reserves_change,omitempty" db:"reserves_change"`
	StablecoinPremium *float64               `json:"stablecoin_premium,omitempty" db:"stablecoin_premium"`
	StressScore       *float64               `json:"stress_score,omitempty" db:"stress_score"`
	DataFlags         map[string]interface{} `json:"data_flags" db:"data_flags"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// ObservationUpdate is a partial upsert keyed by (country, date). Only the
// columns present in Columns are written; everything else on an existing row
// is preserved. Flags and updated_at are always rewritten.
type ObservationUpdate struct {
	CountryID int64
	Date      time.Time
	Columns   map[string]float64
	Flags     map[string]interface{}
}

// ValueAt is a single non-null column value with its row date, used for
// forward-fill priming and delta computation.
type ValueAt struct {
	Value float64   `db:"value"`
	Date  time.Time `db:"date"`
}

// NormalizationParam holds the p5/p95 clamp bounds for one (country, metric)
// over a declared historical window.
type NormalizationParam struct {
	ID          int64     `json:"id" db:"id"`
	CountryID   int64     `json:"country_id" db:"country_id"`
	MetricName  string    `json:"metric_name" db:"metric_name"`
	MinVal      float64   `json:"min_val" db:"min_val"`
	MaxVal      float64   `json:"max_val" db:"max_val"`
	Method      string    `json:"method" db:"method"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// RunLogEntry records one orchestrator execution. Append-only.
type RunLogEntry struct {
	ID         int64                  `json:"id" db:"id"`
	RunDate    time.Time              `json:"run_date" db:"run_date"`
	Status     string                 `json:"status" db:"status"`
	Detail     map[string]interface{} `json:"detail" db:"detail"`
	DurationMS int64                  `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// CountriesRepo provides the country registry.
type CountriesRepo interface {
	// List returns all countries ordered by id.
	List(ctx context.Context) ([]Country, error)

	// GetByISO2 finds a country by its uppercase two-letter code.
	GetByISO2(ctx context.Context, code string) (*Country, error)

	// Seed inserts missing registry rows; existing rows are left untouched.
	Seed(ctx context.Context, countries []Country) error
}

// ObservationsRepo provides daily observation persistence with
// partial-column upsert semantics.
type ObservationsRepo interface {
	// Upsert writes one partial row keyed by (country, date).
	Upsert(ctx context.Context, update ObservationUpdate) error

	// UpsertBatch writes many partial rows in one transaction.
	UpsertBatch(ctx context.Context, updates []ObservationUpdate) error

	// LatestValue returns the most recent non-null value of a column.
	LatestValue(ctx context.Context, countryID int64, column string) (*ValueAt, error)

	// ValueOnOrBefore returns the most recent non-null value of a column
	// at or before the given date.
	ValueOnOrBefore(ctx context.Context, countryID int64, column string, date time.Time) (*ValueAt, error)

	// LatestValueInWindow returns the most recent non-null value of a
	// column within [from, to].
	LatestValueInWindow(ctx context.Context, countryID int64, column string, from, to time.Time) (*ValueAt, error)

	// PriorCloses returns up to limit fx_close values strictly before the
	// given date, in ascending date order.
	PriorCloses(ctx context.Context, countryID int64, before time.Time, limit int) ([]ValueAt, error)

	// LatestScored returns the newest row with a non-null stress score.
	LatestScored(ctx context.Context, countryID int64) (*Observation, error)

	// ScoredOnOrBefore returns the newest scored row at or before date.
	ScoredOnOrBefore(ctx context.Context, countryID int64, date time.Time) (*Observation, error)

	// ScoredHistory returns up to limit most recent scored rows in
	// chronological (ascending) order.
	ScoredHistory(ctx context.Context, countryID int64, limit int) ([]Observation, error)

	// MetricValues returns every non-null value of a column within
	// [from, to], used by the normalization builder.
	MetricValues(ctx context.Context, countryID int64, column string, from, to time.Time) ([]float64, error)
}

// NormalizationRepo provides clamp-bound persistence.
type NormalizationRepo interface {
	// Upsert writes bounds keyed by (country, metric).
	Upsert(ctx context.Context, param NormalizationParam) error

	// ListAll returns every stored parameter.
	ListAll(ctx context.Context) ([]NormalizationParam, error)
}

// RunLogRepo provides the append-only run log.
type RunLogRepo interface {
	// Insert appends one run record.
	Insert(ctx context.Context, entry RunLogEntry) error

	// SuccessExists reports whether a successful run is already recorded
	// for the given run date. This backs the orchestrator's idempotency
	// guard.
	SuccessExists(ctx context.Context, runDate time.Time) (bool, error)
}

// Repository aggregates all repos behind one handle.
type Repository struct {
	Countries    CountriesRepo
	Observations ObservationsRepo
	Norms        NormalizationRepo
	RunLog       RunLogRepo
}
