package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table. Kind-specific fields live in a
// JSONB column; the settlement-relevant fields are real columns.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id             VARCHAR(36) PRIMARY KEY,
			kind           VARCHAR(12) NOT NULL,
			tx_ref         VARCHAR(32) NOT NULL,
			payer_id       VARCHAR(64) NOT NULL,
			payee_id       VARCHAR(64),
			amount         NUMERIC(20,2) NOT NULL,
			status         VARCHAR(20) NOT NULL,
			payment_status VARCHAR(12) NOT NULL,
			escrow_status  VARCHAR(12) NOT NULL,
			details        JSONB,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_orders_payer ON orders(payer_id);
		CREATE INDEX IF NOT EXISTS idx_orders_payee ON orders(payee_id);
		CREATE INDEX IF NOT EXISTS idx_orders_txref ON orders(tx_ref);
	`)
	return err
}

// newByKind returns an empty order of the right concrete type.
func newByKind(kind Kind) Settleable {
	switch kind {
	case KindDelivery:
		return &DeliveryOrder{}
	case KindFood:
		return &FoodOrder{}
	case KindLaundry:
		return &LaundryOrder{}
	case KindProduct:
		return &ProductOrder{}
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, o Settleable) error {
	c := core(o)
	if c.ID == "" {
		c.ID = idgen.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	details, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, kind, tx_ref, payer_id, payee_id, amount, status,
			 payment_status, escrow_status, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6::NUMERIC(20,2), $7, $8, $9, $10, $11, $11)
	`, c.ID, o.OrderKind(), c.TxRef, c.PayerID, c.PayeeID, c.Amount,
		c.Status, c.PaymentStatus, c.EscrowStatus, details, now)
	return err
}

func (p *PostgresStore) scanOrder(kind Kind, row *sql.Row) (Settleable, error) {
	var (
		details []byte
		c       Core
	)
	err := row.Scan(&c.ID, &c.TxRef, &c.PayerID, &c.PayeeID, &c.Amount,
		&c.Status, &c.PaymentStatus, &c.EscrowStatus, &details, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, err
	}

	o := newByKind(kind)
	if o == nil {
		return nil, apperr.Validation("unknown order kind %s", kind)
	}
	if err := json.Unmarshal(details, o); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	// columns are authoritative for the settlement fields
	*core(o) = c
	return o, nil
}

func (p *PostgresStore) Get(ctx context.Context, kind Kind, id string) (Settleable, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tx_ref, payer_id, COALESCE(payee_id,''), amount, status,
			payment_status, escrow_status, details, created_at, updated_at
		FROM orders WHERE id = $1 AND kind = $2
	`, id, kind)
	return p.scanOrder(kind, row)
}

func (p *PostgresStore) Update(ctx context.Context, o Settleable, expect Status) error {
	c := core(o)
	details, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	// CAS on status: a concurrent transition that got there first makes
	// this a zero-row update.
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			payee_id      = NULLIF($3,''),
			status        = $4,
			escrow_status = $5,
			details       = $6,
			updated_at    = NOW()
		WHERE id = $1 AND status = $2
	`, c.ID, expect, c.PayeeID, c.Status, c.EscrowStatus, details)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.Conflict("order %s no longer in status %s", c.ID, expect)
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Settleable, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, details, id, tx_ref, payer_id, COALESCE(payee_id,''), amount,
			status, payment_status, escrow_status, created_at, updated_at
		FROM orders
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settleable
	for rows.Next() {
		var (
			kind    Kind
			details []byte
			c       Core
		)
		if err := rows.Scan(&kind, &details, &c.ID, &c.TxRef, &c.PayerID, &c.PayeeID,
			&c.Amount, &c.Status, &c.PaymentStatus, &c.EscrowStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		o := newByKind(kind)
		if o == nil {
			continue
		}
		if err := json.Unmarshal(details, o); err != nil {
			return nil, fmt.Errorf("failed to decode order: %w", err)
		}
		*core(o) = c
		out = append(out, o)
	}
	return out, rows.Err()
}
