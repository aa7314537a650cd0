package disputes

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/pagination"
)

// PostgresStore persists disputes and their message threads.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dispute tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id               TEXT PRIMARY KEY,
			target_type      TEXT NOT NULL,
			target_id        TEXT NOT NULL,
			order_kind       TEXT NOT NULL DEFAULT '',
			initiator_id     TEXT NOT NULL,
			respondent_id    TEXT NOT NULL,
			reason           TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			outcome          TEXT NOT NULL DEFAULT '',
			resolution_notes TEXT NOT NULL DEFAULT '',
			resolved_by      TEXT NOT NULL DEFAULT '',
			resolved_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_disputes_initiator ON disputes (initiator_id);
		CREATE INDEX IF NOT EXISTS idx_disputes_respondent ON disputes (respondent_id);
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes (status);
		CREATE TABLE IF NOT EXISTS dispute_messages (
			id          TEXT PRIMARY KEY,
			dispute_id  TEXT NOT NULL REFERENCES disputes(id) ON DELETE CASCADE,
			sender_id   TEXT NOT NULL,
			body        TEXT NOT NULL DEFAULT '',
			attachments TEXT[] NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_dispute_messages_dispute ON dispute_messages (dispute_id, created_at);
	`)
	if err != nil {
		return apperr.Internal(err, "migrate disputes")
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes
			(id, target_type, target_id, order_kind, initiator_id, respondent_id,
			 reason, status, outcome, resolution_notes, resolved_by, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.TargetType, d.TargetID, d.OrderKind, d.InitiatorID, d.RespondentID,
		d.Reason, d.Status, d.Outcome, d.ResolutionNotes, d.ResolvedBy, d.ResolvedAt)
	if err != nil {
		return apperr.Internal(err, "create dispute %s", d.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target_type, target_id, order_kind, initiator_id, respondent_id,
		       reason, status, outcome, resolution_notes, resolved_by, resolved_at,
		       created_at, updated_at
		FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("dispute %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "get dispute %s", id)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.TargetType, &d.TargetID, &d.OrderKind, &d.InitiatorID,
		&d.RespondentID, &d.Reason, &d.Status, &d.Outcome, &d.ResolutionNotes,
		&d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute, expect Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, outcome = $2, resolution_notes = $3, resolved_by = $4,
		    resolved_at = $5, updated_at = now()
		WHERE id = $6 AND status = $7`,
		d.Status, d.Outcome, d.ResolutionNotes, d.ResolvedBy, d.ResolvedAt, d.ID, expect)
	if err != nil {
		return apperr.Internal(err, "update dispute %s", d.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal(err, "update dispute %s", d.ID)
	}
	if n == 0 {
		return apperr.Conflict("dispute %s is not %s anymore", d.ID, expect)
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, body, attachments)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		m.ID, m.DisputeID, m.SenderID, m.Body, pq.Array(m.Attachments)).Scan(&m.CreatedAt)
	if err != nil {
		return apperr.Internal(err, "add message to dispute %s", m.DisputeID)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, disputeID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, body, attachments, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "messages for dispute %s", disputeID)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &m.Body,
			pq.Array(&m.Attachments), &m.CreatedAt); err != nil {
			return nil, apperr.Internal(err, "scan dispute message")
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Dispute, error) {
	if before != nil {
		return s.list(ctx, `
			SELECT id, target_type, target_id, order_kind, initiator_id, respondent_id,
			       reason, status, outcome, resolution_notes, resolved_by, resolved_at,
			       created_at, updated_at
			FROM disputes
			WHERE (initiator_id = $1 OR respondent_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	}
	return s.list(ctx, `
		SELECT id, target_type, target_id, order_kind, initiator_id, respondent_id,
		       reason, status, outcome, resolution_notes, resolved_by, resolved_at,
		       created_at, updated_at
		FROM disputes
		WHERE initiator_id = $1 OR respondent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.list(ctx, `
		SELECT id, target_type, target_id, order_kind, initiator_id, respondent_id,
		       reason, status, outcome, resolution_notes, resolved_by, resolved_at,
		       created_at, updated_at
		FROM disputes
		WHERE status IN ('OPEN', 'UNDER_REVIEW', 'ESCALATED')
		ORDER BY created_at DESC
		LIMIT $1`, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "list disputes")
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan dispute")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
