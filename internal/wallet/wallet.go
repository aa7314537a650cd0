// Package wallet is the custodial ledger: one wallet per user with a
// spendable balance and a provisionally-held escrow balance, mutated only
// through atomic store operations.
//
// Flow:
//  1. Payment confirmed → full amount held in payer escrow (Hold)
//  2. Order lifecycle drives transfers (PickupCredit for delivery)
//  3. Payer confirms receipt → escrow released to payee net of commission (Release)
//  4. Rejection/cancellation/dispute → escrow returned to payer (Refund)
//
// Every composite operation is a single unit at the store layer; partial
// application is an invariant violation, not an error state.
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Field names a wallet balance column.
type Field string

const (
	FieldBalance Field = "balance"
	FieldEscrow  Field = "escrow_balance"
)

// TxType enumerates ledger movement types.
type TxType string

const (
	TxDeliveryFee     TxType = "DELIVERY_FEE"
	TxFoodOrder       TxType = "FOOD_ORDER"
	TxLaundryOrder    TxType = "LAUNDRY_ORDER"
	TxProductOrder    TxType = "PRODUCT_ORDER"
	TxTopUp           TxType = "TOP_UP"
	TxWithdrawal      TxType = "WITHDRAWAL"
	TxAdminAdjustment TxType = "ADMIN_ADJUSTMENT"
	TxWalletPayment   TxType = "WALLET_PAYMENT"
	TxEscrowAgreement TxType = "ESCROW_AGREEMENT"
)

// TxStatus enumerates transaction settlement states. RELEASED and
// REFUNDED are terminal: no further ledger action may reference the
// transaction once either is reached.
type TxStatus string

const (
	TxPending              TxStatus = "PENDING"
	TxHeld                 TxStatus = "HELD"
	TxReleased             TxStatus = "RELEASED"
	TxRefunded             TxStatus = "REFUNDED"
	TxCompleted            TxStatus = "COMPLETED"
	TxFailed               TxStatus = "FAILED"
	TxTransferredRDispatch TxStatus = "TRANSFERRED_TO_DISPATCH"
)

// Terminal reports whether the status admits no further ledger action.
func (s TxStatus) Terminal() bool {
	return s == TxReleased || s == TxRefunded
}

// Wallet holds a user's funds. EscrowBalance is earmarked for pending
// settlements and is not spendable.
type Wallet struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrow_balance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transaction is an immutable audit record of one ledger movement.
// TxRef is globally unique and doubles as the webhook idempotency key.
type Transaction struct {
	ID            string          `json:"id"`
	TxRef         string          `json:"tx_ref"`
	Amount        decimal.Decimal `json:"amount"`
	FromUserID    string          `json:"from_user_id,omitempty"`
	ToUserID      string          `json:"to_user_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Type          TxType          `json:"transaction_type"`
	Status        TxStatus        `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store persists wallets and transactions. Composite operations are
// atomic: a single SQL transaction in Postgres, a single locked section
// in memory. All of them reject mutations that would drive a balance
// negative (apperr.InsufficientFunds) and refuse to touch a transaction
// whose status is terminal (apperr.Conflict).
type Store interface {
	// Get returns the wallet for userID, a zero wallet if none exists yet.
	Get(ctx context.Context, userID string) (*Wallet, error)

	// Adjust atomically applies delta to one field and returns the new value.
	Adjust(ctx context.Context, userID string, field Field, delta decimal.Decimal) (decimal.Decimal, error)

	// Hold credits the payer's escrow by tx.Amount and inserts tx with
	// status HELD. The tx_ref unique constraint makes a concurrent
	// duplicate hold fail rather than double-apply.
	Hold(ctx context.Context, tx *Transaction) error

	// Release settles a held transaction: debit the payer's escrow by the
	// full amount, credit payee's balance by payeeAmount, record
	// commission for the remainder, and mark the transaction RELEASED.
	Release(ctx context.Context, txRef, payeeID string, payeeAmount, commission decimal.Decimal, commissionKind string) error

	// Refund returns a held transaction's full amount from the payer's
	// escrow to the payer's balance and marks the transaction REFUNDED.
	Refund(ctx context.Context, txRef string) error

	// PickupCredit credits the dispatch party's escrow by the full fee
	// without touching the payer's escrow, and marks the transaction
	// TRANSFERRED_TO_DISPATCH. Delivery orders only.
	PickupCredit(ctx context.Context, txRef, dispatchID string) error

	// SettleSplit resolves a held transaction as a compromise: refund
	// refundAmount to the payer's balance, release releaseAmount (already
	// net of commission) to the payee, record the commission, mark the
	// transaction RELEASED. refund + release + commission must equal the
	// held amount.
	SettleSplit(ctx context.Context, txRef, payeeID string, refundAmount, releaseAmount, commission decimal.Decimal, commissionKind string) error

	// MoveToEscrow atomically debits balance and credits escrow_balance
	// for the same user (agreement funding).
	MoveToEscrow(ctx context.Context, userID string, amount decimal.Decimal) error

	// ShareRelease atomically debits fromUser's escrow and credits
	// toUser's balance by amount (agreement share release).
	ShareRelease(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) error

	// RecordCommission books platform commission outside a Release
	// (agreement completions).
	RecordCommission(ctx context.Context, kind string, amount decimal.Decimal, description string) error

	// CreateTransaction inserts a standalone transaction row (top-ups,
	// withdrawals, wallet payments). Enforces tx_ref uniqueness.
	CreateTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction returns the transaction with the given tx_ref.
	GetTransaction(ctx context.Context, txRef string) (*Transaction, error)

	// GetTransactionByOrder returns the transaction created for an order.
	GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error)

	// HasTxRef reports whether a transaction with tx_ref exists. This is
	// the webhook idempotency check.
	HasTxRef(ctx context.Context, txRef string) (bool, error)

	// History returns recent transactions involving userID.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}
