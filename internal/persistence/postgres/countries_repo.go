package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stresswatch/stresswatch/internal/persistence"
)

// countriesRepo implements persistence.CountriesRepo for PostgreSQL.
type countriesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCountriesRepo creates the PostgreSQL countries repository.
func NewCountriesRepo(db *sqlx.DB, timeout time.Duration) persistence.CountriesRepo {
	return &countriesRepo{db: db, timeout: timeout}
}

// List returns all countries ordered by id.
func (r *countriesRepo) List(ctx context.Context) ([]persistence.Country, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, iso2, iso3, imf_code, currency, primary_source_series_id
		FROM countries
		ORDER BY id`

	var countries []persistence.Country
	if err := r.db.SelectContext(ctx, &countries, query); err != nil {
		return nil, fmt.Errorf("failed to list countries: %w", err)
	}
	return countries, nil
}

// GetByISO2 finds a country by its uppercase two-letter code.
func (r *countriesRepo) GetByISO2(ctx context.Context, code string) (*persistence.Country, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, iso2, iso3, imf_code, currency, primary_source_series_id
		FROM countries
		WHERE iso2 = $1`

	var country persistence.Country
	if err := r.db.GetContext(ctx, &country, query, strings.ToUpper(code)); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get country %s: %w", code, err)
	}
	return &country, nil
}

// Seed inserts missing registry rows; existing rows are left untouched.
func (r *countriesRepo) Seed(ctx context.Context, countries []persistence.Country) error {
	if len(countries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO countries (name, iso2, iso3, imf_code, currency, primary_source_series_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (iso2) DO NOTHING`

	for _, c := range countries {
		if _, err := tx.ExecContext(ctx, query,
			c.Name, strings.ToUpper(c.ISO2), strings.ToUpper(c.ISO3),
			c.IMFCode, c.Currency, c.PrimarySourceSeriesID); err != nil {
			return fmt.Errorf("failed to seed country %s: %w", c.ISO2, err)
		}
	}

	return tx.Commit()
}
