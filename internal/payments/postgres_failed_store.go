package payments

import (
	"context"
	"database/sql"

	"github.com/tobenna/marketledger/internal/apperr"
)

// PostgresFailedStore persists exhausted materialization jobs.
type PostgresFailedStore struct {
	db *sql.DB
}

// NewPostgresFailedStore creates a Postgres-backed FailedStore.
func NewPostgresFailedStore(db *sql.DB) *PostgresFailedStore {
	return &PostgresFailedStore{db: db}
}

// Migrate creates the failed_jobs table.
func (s *PostgresFailedStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS failed_jobs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			tx_ref      TEXT NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			gateway_ref BIGINT NOT NULL DEFAULT 0,
			attempts    INT NOT NULL,
			last_error  TEXT NOT NULL DEFAULT '',
			failed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_failed_jobs_failed_at ON failed_jobs (failed_at DESC);
	`)
	if err != nil {
		return apperr.Internal(err, "migrate failed_jobs")
	}
	return nil
}

func (s *PostgresFailedStore) Record(ctx context.Context, job FailedJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_jobs (id, kind, tx_ref, amount, gateway_ref, attempts, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error`,
		job.ID, job.Kind, job.TxRef, job.Amount, job.GatewayRef, job.Attempts, job.LastError, job.FailedAt)
	if err != nil {
		return apperr.Internal(err, "record failed job %s", job.TxRef)
	}
	return nil
}

func (s *PostgresFailedStore) List(ctx context.Context, limit int) ([]FailedJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tx_ref, amount, gateway_ref, attempts, last_error, failed_at
		FROM failed_jobs ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Internal(err, "list failed jobs")
	}
	defer rows.Close()

	var out []FailedJob
	for rows.Next() {
		var j FailedJob
		if err := rows.Scan(&j.ID, &j.Kind, &j.TxRef, &j.Amount, &j.GatewayRef,
			&j.Attempts, &j.LastError, &j.FailedAt); err != nil {
			return nil, apperr.Internal(err, "scan failed job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
