package commission

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the platform settings table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS platform_settings (
			kind        VARCHAR(24) PRIMARY KEY,
			payee_share NUMERIC(5,4) NOT NULL,
			updated_by  VARCHAR(64),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_share_range CHECK (payee_share > 0 AND payee_share <= 1)
		);
	`)
	return err
}

func (p *PostgresStore) GetRate(ctx context.Context, kind string) (decimal.Decimal, bool, error) {
	var rate decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT payee_share FROM platform_settings WHERE kind = $1`, kind).Scan(&rate)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (p *PostgresStore) SetRate(ctx context.Context, kind string, rate decimal.Decimal, updatedBy string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_settings (kind, payee_share, updated_by, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind) DO UPDATE SET
			payee_share = $2, updated_by = $3, updated_at = NOW()
	`, kind, rate, updatedBy)
	return err
}
