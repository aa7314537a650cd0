package audit

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id            VARCHAR(36) PRIMARY KEY,
			entity_type   VARCHAR(32) NOT NULL,
			entity_id     VARCHAR(64) NOT NULL,
			action        VARCHAR(48) NOT NULL,
			change_amount NUMERIC(20,2) NOT NULL DEFAULT 0,
			performed_by  VARCHAR(64),
			actor_type    VARCHAR(16),
			notes         TEXT,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, entity_type, entity_id, action, change_amount, performed_by, actor_type, notes, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9)
	`, e.ID, e.EntityType, e.EntityID, e.Action, e.ChangeAmount, e.ActorID, e.ActorType, e.Notes, e.CreatedAt)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, change_amount,
			COALESCE(performed_by,''), COALESCE(actor_type,''), COALESCE(notes,''), created_at
		FROM audit_entries
		WHERE entity_type = $1 AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action,
			&e.ChangeAmount, &e.ActorID, &e.ActorType, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
