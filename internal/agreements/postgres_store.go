package agreements

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/tobenna/marketledger/internal/apperr"
)

// PostgresStore persists agreements in escrow_agreements plus an
// escrow_agreement_parties child table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed agreement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agreement tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_agreements (
			id              TEXT PRIMARY KEY,
			initiator_id    TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			terms           TEXT NOT NULL DEFAULT '',
			amount          NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			commission_rate NUMERIC(5,4) NOT NULL,
			commission      NUMERIC(20,2) NOT NULL,
			status          TEXT NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			funded_at       TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			cancelled_at    TIMESTAMPTZ,
			proposal        JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS escrow_agreement_parties (
			id           TEXT PRIMARY KEY,
			agreement_id TEXT NOT NULL REFERENCES escrow_agreements(id) ON DELETE CASCADE,
			user_id      TEXT NOT NULL,
			role         TEXT NOT NULL,
			share        NUMERIC(20,2) NOT NULL DEFAULT 0,
			invite_code  TEXT NOT NULL DEFAULT '',
			accepted     BOOLEAN NOT NULL DEFAULT false,
			accepted_at  TIMESTAMPTZ,
			confirmed    BOOLEAN NOT NULL DEFAULT false,
			confirmed_at TIMESTAMPTZ,
			UNIQUE (agreement_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_agreement_parties_user ON escrow_agreement_parties (user_id);
	`)
	if err != nil {
		return apperr.Internal(err, "migrate escrow_agreements")
	}
	return nil
}

func mapAgreementPQ(err error, format string, args ...any) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.Conflict(format, args...)
	}
	return apperr.Internal(err, format, args...)
}

func (s *PostgresStore) Create(ctx context.Context, a *Agreement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(err, "begin create agreement")
	}
	defer tx.Rollback()

	proposal, err := marshalProposal(a.Proposal)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_agreements
			(id, initiator_id, title, description, terms, amount, commission_rate,
			 commission, status, expires_at, funded_at, completed_at, cancelled_at, proposal)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.InitiatorID, a.Title, a.Description, a.Terms, a.Amount, a.CommissionRate,
		a.Commission, a.Status, a.ExpiresAt, a.FundedAt, a.CompletedAt, a.CancelledAt, proposal)
	if err != nil {
		return mapAgreementPQ(err, "agreement %s already exists", a.ID)
	}

	for _, p := range a.Parties {
		if err := insertParty(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(err, "commit create agreement")
	}
	return nil
}

func insertParty(ctx context.Context, tx *sql.Tx, p *Party) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_agreement_parties
			(id, agreement_id, user_id, role, share, invite_code,
			 accepted, accepted_at, confirmed, confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.AgreementID, p.UserID, p.Role, p.Share, p.InviteCode,
		p.Accepted, p.AcceptedAt, p.Confirmed, p.ConfirmedAt)
	if err != nil {
		return mapAgreementPQ(err, "party %s already on agreement %s", p.UserID, p.AgreementID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Agreement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, initiator_id, title, description, terms, amount, commission_rate,
		       commission, status, expires_at, funded_at, completed_at, cancelled_at,
		       proposal, created_at, updated_at
		FROM escrow_agreements WHERE id = $1`, id)

	a, err := scanAgreement(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("agreement %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "get agreement %s", id)
	}
	if err := s.loadParties(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) loadParties(ctx context.Context, a *Agreement) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agreement_id, user_id, role, share, invite_code,
		       accepted, accepted_at, confirmed, confirmed_at
		FROM escrow_agreement_parties WHERE agreement_id = $1
		ORDER BY role, user_id`, a.ID)
	if err != nil {
		return apperr.Internal(err, "load parties for %s", a.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var p Party
		if err := rows.Scan(&p.ID, &p.AgreementID, &p.UserID, &p.Role, &p.Share,
			&p.InviteCode, &p.Accepted, &p.AcceptedAt, &p.Confirmed, &p.ConfirmedAt); err != nil {
			return apperr.Internal(err, "scan party")
		}
		a.Parties = append(a.Parties, &p)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgreement(row rowScanner) (*Agreement, error) {
	var a Agreement
	var proposal []byte
	err := row.Scan(&a.ID, &a.InitiatorID, &a.Title, &a.Description, &a.Terms,
		&a.Amount, &a.CommissionRate, &a.Commission, &a.Status, &a.ExpiresAt,
		&a.FundedAt, &a.CompletedAt, &a.CancelledAt, &proposal, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(proposal) > 0 {
		if err := json.Unmarshal(proposal, &a.Proposal); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *PostgresStore) Update(ctx context.Context, a *Agreement, expect Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(err, "begin update agreement")
	}
	defer tx.Rollback()

	proposal, err := marshalProposal(a.Proposal)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE escrow_agreements
		SET status = $1, expires_at = $2, funded_at = $3, completed_at = $4,
		    cancelled_at = $5, proposal = $6, updated_at = now()
		WHERE id = $7 AND status = $8`,
		a.Status, a.ExpiresAt, a.FundedAt, a.CompletedAt, a.CancelledAt, proposal,
		a.ID, expect)
	if err != nil {
		return apperr.Internal(err, "update agreement %s", a.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal(err, "update agreement %s", a.ID)
	}
	if n == 0 {
		return apperr.Conflict("agreement %s is not %s anymore", a.ID, expect)
	}

	for _, p := range a.Parties {
		_, err := tx.ExecContext(ctx, `
			UPDATE escrow_agreement_parties
			SET accepted = $1, accepted_at = $2, confirmed = $3, confirmed_at = $4
			WHERE id = $5`,
			p.Accepted, p.AcceptedAt, p.Confirmed, p.ConfirmedAt, p.ID)
		if err != nil {
			return apperr.Internal(err, "update party %s", p.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(err, "commit update agreement")
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Agreement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.initiator_id, a.title, a.description, a.terms, a.amount,
		       a.commission_rate, a.commission, a.status, a.expires_at, a.funded_at,
		       a.completed_at, a.cancelled_at, a.proposal, a.created_at, a.updated_at
		FROM escrow_agreements a
		JOIN escrow_agreement_parties p ON p.agreement_id = a.id
		WHERE p.user_id = $1
		ORDER BY a.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "list agreements for %s", userID)
	}
	defer rows.Close()

	var out []*Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan agreement")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list agreements for %s", userID)
	}
	for _, a := range out {
		if err := s.loadParties(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func marshalProposal(p *CompletionProposal) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, apperr.Internal(err, "encode completion proposal")
	}
	return b, nil
}
