package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stresswatch/stresswatch/internal/persistence"
)

// runLogRepo implements persistence.RunLogRepo for PostgreSQL.
type runLogRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunLogRepo creates the PostgreSQL run-log repository.
func NewRunLogRepo(db *sqlx.DB, timeout time.Duration) persistence.RunLogRepo {
	return &runLogRepo{db: db, timeout: timeout}
}

// Insert appends one run record.
func (r *runLogRepo) Insert(ctx context.Context, entry persistence.RunLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	detail := entry.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal run detail: %w", err)
	}

	query := `
		INSERT INTO run_log (run_date, status, detail, duration_ms)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.db.ExecContext(ctx, query,
		entry.RunDate, entry.Status, detailJSON, entry.DurationMS); err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

// SuccessExists reports whether a successful run is recorded for the date.
func (r *runLogRepo) SuccessExists(ctx context.Context, runDate time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM run_log
			WHERE run_date = $1 AND status = $2
		)`

	var exists bool
	if err := r.db.QueryRowxContext(ctx, query, runDate, persistence.RunStatusSuccess).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check run log: %w", err)
	}
	return exists, nil
}
