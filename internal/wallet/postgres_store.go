package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id         VARCHAR(64) PRIMARY KEY,
			balance         NUMERIC(20,2) NOT NULL DEFAULT 0,
			escrow_balance  NUMERIC(20,2) NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0),
			CONSTRAINT chk_escrow_nonneg  CHECK (escrow_balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id               VARCHAR(36) PRIMARY KEY,
			tx_ref           VARCHAR(32) NOT NULL UNIQUE,
			amount           NUMERIC(20,2) NOT NULL,
			from_user_id     VARCHAR(64),
			to_user_id       VARCHAR(64),
			order_id         VARCHAR(64),
			transaction_type VARCHAR(24) NOT NULL,
			status           VARCHAR(24) NOT NULL,
			payment_method   VARCHAR(16),
			details          JSONB,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_amount_positive CHECK (amount > 0)
		);

		CREATE TABLE IF NOT EXISTS commission_entries (
			id          VARCHAR(36) PRIMARY KEY,
			kind        VARCHAR(24) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tx_from_user ON transactions(from_user_id);
		CREATE INDEX IF NOT EXISTS idx_tx_to_user   ON transactions(to_user_id);
		CREATE INDEX IF NOT EXISTS idx_tx_order     ON transactions(order_id);
		CREATE INDEX IF NOT EXISTS idx_tx_created   ON transactions(created_at DESC);
	`)
	return err
}

// mapPQ converts Postgres constraint violations into typed errors so
// callers can distinguish overdraft from duplicate tx_ref.
func mapPQ(err error, userID string) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23514": // check_violation
			return apperr.InsufficientFunds("insufficient funds for user %s", userID)
		case "23505": // unique_violation
			return apperr.Conflict("duplicate tx_ref")
		}
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, escrow_balance, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.EscrowBalance, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Adjust(ctx context.Context, userID string, field Field, delta decimal.Decimal) (decimal.Decimal, error) {
	col := "balance"
	if field == FieldEscrow {
		col = "escrow_balance"
	}

	var newVal decimal.Decimal
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO wallets (user_id, %s, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			%s = wallets.%s + $2::NUMERIC(20,2),
			updated_at = NOW()
		RETURNING %s
	`, col, col, col, col), userID, delta).Scan(&newVal)
	if err != nil {
		return decimal.Zero, mapPQ(err, userID)
	}
	return newVal, nil
}

// adjustTx applies a delta inside an open transaction.
func adjustTx(ctx context.Context, tx *sql.Tx, userID string, field Field, delta decimal.Decimal) error {
	col := "balance"
	if field == FieldEscrow {
		col = "escrow_balance"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO wallets (user_id, %s, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			%s = wallets.%s + $2::NUMERIC(20,2),
			updated_at = NOW()
	`, col, col, col), userID, delta)
	return mapPQ(err, userID)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	if t.ID == "" {
		t.ID = idgen.New()
	}
	var details []byte
	if t.Details != nil {
		var err error
		details, err = json.Marshal(t.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, tx_ref, amount, from_user_id, to_user_id, order_id,
			 transaction_type, status, payment_method, details, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), NULLIF($4,''), NULLIF($5,''),
			NULLIF($6,''), $7, $8, NULLIF($9,''), $10, NOW())
	`, t.ID, t.TxRef, t.Amount, t.FromUserID, t.ToUserID, t.OrderID,
		t.Type, t.Status, t.PaymentMethod, details)
	return mapPQ(err, t.FromUserID)
}

// lockTransaction selects a transaction row FOR UPDATE so the
// settlement status transition is race-free.
func lockTransaction(ctx context.Context, tx *sql.Tx, txRef string) (*Transaction, error) {
	t, err := scanTransaction(tx.QueryRowContext(ctx, `
		SELECT id, tx_ref, amount, COALESCE(from_user_id,''), COALESCE(to_user_id,''),
			COALESCE(order_id,''), transaction_type, status,
			COALESCE(payment_method,''), details, created_at
		FROM transactions WHERE tx_ref = $1 FOR UPDATE
	`, txRef))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("transaction %s not found", txRef)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var details []byte
	err := row.Scan(&t.ID, &t.TxRef, &t.Amount, &t.FromUserID, &t.ToUserID,
		&t.OrderID, &t.Type, &t.Status, &t.PaymentMethod, &details, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &t.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return t, nil
}

func setStatus(ctx context.Context, tx *sql.Tx, txRef string, status TxStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $2 WHERE tx_ref = $1`, txRef, status)
	return err
}

func insertCommission(ctx context.Context, tx *sql.Tx, kind string, amount decimal.Decimal, description string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commission_entries (id, kind, amount, description, created_at)
		VALUES (gen_random_uuid()::text, $1, $2::NUMERIC(20,2), $3, NOW())
	`, kind, amount, description)
	return err
}

func (p *PostgresStore) Hold(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := adjustTx(ctx, tx, t.FromUserID, FieldEscrow, t.Amount); err != nil {
		return err
	}
	t.Status = TxHeld
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Release(ctx context.Context, txRef, payeeID string, payeeAmount, commission decimal.Decimal, commissionKind string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := lockTransaction(ctx, tx, txRef)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return apperr.Conflict("transaction %s already settled (%s)", txRef, t.Status)
	}
	if t.Status != TxHeld && t.Status != TxTransferredRDispatch {
		return apperr.Conflict("transaction %s is %s, cannot release", txRef, t.Status)
	}

	// A delivery fee transferred at pickup sits in the dispatch party's
	// escrow, not the payer's.
	escrowHolder := t.FromUserID
	if t.Status == TxTransferredRDispatch {
		escrowHolder = payeeID
	}

	if err := adjustTx(ctx, tx, escrowHolder, FieldEscrow, t.Amount.Neg()); err != nil {
		return err
	}
	if err := adjustTx(ctx, tx, payeeID, FieldBalance, payeeAmount); err != nil {
		return err
	}
	if err := insertCommission(ctx, tx, commissionKind, commission, "commission on "+txRef); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, txRef, TxReleased); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Refund(ctx context.Context, txRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := lockTransaction(ctx, tx, txRef)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return apperr.Conflict("transaction %s already settled (%s)", txRef, t.Status)
	}
	if t.Status != TxHeld {
		return apperr.Conflict("transaction %s is %s, cannot refund", txRef, t.Status)
	}

	if err := adjustTx(ctx, tx, t.FromUserID, FieldEscrow, t.Amount.Neg()); err != nil {
		return err
	}
	if err := adjustTx(ctx, tx, t.FromUserID, FieldBalance, t.Amount); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, txRef, TxRefunded); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) PickupCredit(ctx context.Context, txRef, dispatchID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := lockTransaction(ctx, tx, txRef)
	if err != nil {
		return err
	}
	if t.Status != TxHeld {
		return apperr.Conflict("transaction %s is %s, cannot transfer to dispatch", txRef, t.Status)
	}

	if err := adjustTx(ctx, tx, t.FromUserID, FieldEscrow, t.Amount.Neg()); err != nil {
		return err
	}
	if err := adjustTx(ctx, tx, dispatchID, FieldEscrow, t.Amount); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, txRef, TxTransferredRDispatch); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SettleSplit(ctx context.Context, txRef, payeeID string, refundAmount, releaseAmount, commission decimal.Decimal, commissionKind string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := lockTransaction(ctx, tx, txRef)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return apperr.Conflict("transaction %s already settled (%s)", txRef, t.Status)
	}
	if t.Status != TxHeld && t.Status != TxTransferredRDispatch {
		return apperr.Conflict("transaction %s is %s, cannot settle", txRef, t.Status)
	}
	if !refundAmount.Add(releaseAmount).Add(commission).Equal(t.Amount) {
		return apperr.Validation("split does not sum to held amount %s", t.Amount.StringFixed(2))
	}

	escrowHolder := t.FromUserID
	if t.Status == TxTransferredRDispatch {
		escrowHolder = payeeID
	}

	if err := adjustTx(ctx, tx, escrowHolder, FieldEscrow, t.Amount.Neg()); err != nil {
		return err
	}
	if refundAmount.GreaterThan(decimal.Zero) {
		if err := adjustTx(ctx, tx, t.FromUserID, FieldBalance, refundAmount); err != nil {
			return err
		}
	}
	if releaseAmount.GreaterThan(decimal.Zero) {
		if err := adjustTx(ctx, tx, payeeID, FieldBalance, releaseAmount); err != nil {
			return err
		}
	}
	if err := insertCommission(ctx, tx, commissionKind, commission, "commission on "+txRef); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, txRef, TxReleased); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) MoveToEscrow(ctx context.Context, userID string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := adjustTx(ctx, tx, userID, FieldBalance, amount.Neg()); err != nil {
		return err
	}
	if err := adjustTx(ctx, tx, userID, FieldEscrow, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ShareRelease(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := adjustTx(ctx, tx, fromUserID, FieldEscrow, amount.Neg()); err != nil {
		return err
	}
	if err := adjustTx(ctx, tx, toUserID, FieldBalance, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RecordCommission(ctx context.Context, kind string, amount decimal.Decimal, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertCommission(ctx, tx, kind, amount, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txRef string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT id, tx_ref, amount, COALESCE(from_user_id,''), COALESCE(to_user_id,''),
			COALESCE(order_id,''), transaction_type, status,
			COALESCE(payment_method,''), details, created_at
		FROM transactions WHERE tx_ref = $1
	`, txRef))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("transaction %s not found", txRef)
	}
	return t, err
}

func (p *PostgresStore) GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT id, tx_ref, amount, COALESCE(from_user_id,''), COALESCE(to_user_id,''),
			COALESCE(order_id,''), transaction_type, status,
			COALESCE(payment_method,''), details, created_at
		FROM transactions WHERE order_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, orderID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no transaction for order %s", orderID)
	}
	return t, err
}

func (p *PostgresStore) HasTxRef(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE tx_ref = $1)`, txRef).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tx_ref, amount, COALESCE(from_user_id,''), COALESCE(to_user_id,''),
			COALESCE(order_id,''), transaction_type, status,
			COALESCE(payment_method,''), details, created_at
		FROM transactions
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
