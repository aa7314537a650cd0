package wallet

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
)

// AuditSink records state-changing wallet actions. Wired to the audit
// package; nil disables auditing.
type AuditSink interface {
	Record(ctx context.Context, entityType, entityID, action string, changeAmount decimal.Decimal, actorID, actorType, notes string)
}

// Limits are wallet business limits, from configuration.
type Limits struct {
	MaxWalletBalance decimal.Decimal
	MinTopUp         decimal.Decimal
}

// Service implements wallet business logic on top of the atomic store.
type Service struct {
	store  Store
	limits Limits
	audit  AuditSink
}

// NewService creates a new wallet service.
func NewService(store Store, limits Limits) *Service {
	return &Service{store: store, limits: limits}
}

// WithAudit adds an audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// Store exposes the underlying atomic store for sibling services that
// operate through their own narrow ledger interfaces.
func (s *Service) Store() Store { return s.store }

func (s *Service) recordOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, outcome).Inc()
}

// Balance returns the wallet plus recent transactions.
func (s *Service) Balance(ctx context.Context, userID string) (*Wallet, []*Transaction, error) {
	w, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.store.History(ctx, userID, 20)
	if err != nil {
		return nil, nil, err
	}
	return w, txs, nil
}

// ValidateTopUp enforces top-up limits before an intent is staged.
// The credit itself happens in CreditTopUp once the gateway confirms.
func (s *Service) ValidateTopUp(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.LessThan(s.limits.MinTopUp) {
		return apperr.Validation("minimum top-up amount is %s", s.limits.MinTopUp.StringFixed(2))
	}
	w, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if w.Balance.Add(amount).GreaterThan(s.limits.MaxWalletBalance) {
		return apperr.Validation(
			"top-up would exceed the maximum wallet balance of %s (current balance %s)",
			s.limits.MaxWalletBalance.StringFixed(2), w.Balance.StringFixed(2),
		)
	}
	return nil
}

// CreditTopUp credits a confirmed gateway top-up to the user's balance
// and records the COMPLETED transaction. Called from webhook
// materialization only.
func (s *Service) CreditTopUp(ctx context.Context, userID string, amount decimal.Decimal, txRef string, details map[string]any) error {
	newBal, err := s.store.Adjust(ctx, userID, FieldBalance, amount)
	s.recordOp("topup", err)
	if err != nil {
		return err
	}

	err = s.store.CreateTransaction(ctx, &Transaction{
		ID:            idgen.New(),
		TxRef:         txRef,
		Amount:        amount,
		FromUserID:    userID,
		ToUserID:      userID,
		Type:          TxTopUp,
		Status:        TxCompleted,
		PaymentMethod: "GATEWAY",
		Details:       details,
	})
	if err != nil {
		// The balance credit landed but the record insert failed; reverse
		// the credit so the ledger and transaction log stay consistent.
		if _, revErr := s.store.Adjust(ctx, userID, FieldBalance, amount.Neg()); revErr != nil {
			logging.L(ctx).Error("CRITICAL: top-up credit applied but unrecorded and irreversible",
				"user_id", userID, "tx_ref", txRef, "error", revErr)
		}
		return err
	}

	if s.audit != nil {
		s.audit.Record(ctx, "WALLET", userID, "TOP_UP", amount, userID, "USER",
			"Top-up of "+amount.StringFixed(2)+" via gateway, new balance "+newBal.StringFixed(2))
	}
	return nil
}

// PayWithWallet debits the payer's balance and records a COMPLETED
// wallet payment.
func (s *Service) PayWithWallet(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal, orderID string, details map[string]any) (*Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("amount must be positive")
	}

	_, err := s.store.Adjust(ctx, fromUserID, FieldBalance, amount.Neg())
	s.recordOp("wallet_payment", err)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:            idgen.New(),
		TxRef:         idgen.TxRef("PAY"),
		Amount:        amount,
		FromUserID:    fromUserID,
		ToUserID:      toUserID,
		OrderID:       orderID,
		Type:          TxWalletPayment,
		Status:        TxCompleted,
		PaymentMethod: "WALLET",
		Details:       details,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if _, revErr := s.store.Adjust(ctx, fromUserID, FieldBalance, amount); revErr != nil {
			logging.L(ctx).Error("CRITICAL: wallet payment debited but unrecorded and irreversible",
				"user_id", fromUserID, "tx_ref", tx.TxRef, "error", revErr)
		}
		return nil, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, "WALLET", fromUserID, "WALLET_PAYMENT", amount.Neg(), fromUserID, "USER",
			"Wallet payment "+tx.TxRef)
	}
	return tx, nil
}

// Withdraw debits the user's balance for an external payout.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, details map[string]any) (*Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("amount must be positive")
	}

	_, err := s.store.Adjust(ctx, userID, FieldBalance, amount.Neg())
	s.recordOp("withdrawal", err)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:            idgen.New(),
		TxRef:         idgen.TxRef("WITHDRAW"),
		Amount:        amount,
		FromUserID:    userID,
		Type:          TxWithdrawal,
		Status:        TxPending,
		PaymentMethod: "GATEWAY",
		Details:       details,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if _, revErr := s.store.Adjust(ctx, userID, FieldBalance, amount); revErr != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal debited but unrecorded and irreversible",
				"user_id", userID, "tx_ref", tx.TxRef, "error", revErr)
		}
		return nil, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, "WALLET", userID, "WITHDRAWAL", amount.Neg(), userID, "USER",
			"Withdrawal "+tx.TxRef)
	}
	return tx, nil
}

// AdminAdjust applies a signed correction to one wallet field under an
// administrator's authority.
func (s *Service) AdminAdjust(ctx context.Context, adminID, userID string, field Field, delta decimal.Decimal, notes string) (decimal.Decimal, error) {
	if delta.IsZero() {
		return decimal.Zero, apperr.Validation("delta must be non-zero")
	}

	newVal, err := s.store.Adjust(ctx, userID, field, delta)
	s.recordOp("admin_adjust", err)
	if err != nil {
		return decimal.Zero, err
	}

	err = s.store.CreateTransaction(ctx, &Transaction{
		ID:         idgen.New(),
		TxRef:      idgen.TxRef("ADMIN-ADJ"),
		Amount:     delta.Abs(),
		ToUserID:   userID,
		Type:       TxAdminAdjustment,
		Status:     TxCompleted,
		Details:    map[string]any{"field": string(field), "delta": delta.String(), "notes": notes},
		FromUserID: adminID,
	})
	if err != nil {
		return decimal.Zero, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, "WALLET", userID, "ADMIN_ADJUSTMENT", delta, adminID, "ADMIN", notes)
	}
	return newVal, nil
}
