package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
)

// MemoryStore is an in-memory wallet store for dev mode and tests.
// Every composite operation runs under one mutex section so the
// atomicity contract matches the Postgres store.
type MemoryStore struct {
	mu          sync.Mutex
	wallets     map[string]*Wallet
	txByRef     map[string]*Transaction
	txByOrder   map[string]string // order id -> tx_ref
	commissions []CommissionEntry
}

// CommissionEntry is a booked platform commission (memory store only
// keeps them for assertions; Postgres has a platform_commissions table).
type CommissionEntry struct {
	Kind        string
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		txByRef:   make(map[string]*Transaction),
		txByOrder: make(map[string]string),
	}
}

func (m *MemoryStore) wallet(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{
			UserID:        userID,
			Balance:       decimal.Zero,
			EscrowBalance: decimal.Zero,
			UpdatedAt:     time.Now(),
		}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) apply(w *Wallet, field Field, delta decimal.Decimal) (decimal.Decimal, error) {
	var cur decimal.Decimal
	if field == FieldBalance {
		cur = w.Balance
	} else {
		cur = w.EscrowBalance
	}
	next := cur.Add(delta)
	if next.IsNegative() {
		return cur, apperr.InsufficientFunds("%s would go negative for user %s", field, w.UserID)
	}
	if field == FieldBalance {
		w.Balance = next
	} else {
		w.EscrowBalance = next
	}
	w.UpdatedAt = time.Now()
	return next, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallet(userID)
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Adjust(ctx context.Context, userID string, field Field, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(m.wallet(userID), field, delta)
}

func (m *MemoryStore) Hold(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txByRef[tx.TxRef]; exists {
		return apperr.Conflict("transaction %s already exists", tx.TxRef)
	}

	if _, err := m.apply(m.wallet(tx.FromUserID), FieldEscrow, tx.Amount); err != nil {
		return err
	}

	cp := *tx
	cp.ID = idgen.New()
	cp.Status = TxHeld
	cp.CreatedAt = time.Now()
	m.txByRef[cp.TxRef] = &cp
	if cp.OrderID != "" {
		m.txByOrder[cp.OrderID] = cp.TxRef
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, txRef, payeeID string, payeeAmount, commission decimal.Decimal, commissionKind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txByRef[txRef]
	if !ok {
		return apperr.NotFound("transaction %s not found", txRef)
	}
	if tx.Status.Terminal() {
		return apperr.Conflict("transaction %s already %s", txRef, tx.Status)
	}
	if tx.Status != TxHeld && tx.Status != TxTransferredRDispatch {
		return apperr.Conflict("transaction %s is %s, cannot release", txRef, tx.Status)
	}

	// After a dispatch transfer the held amount sits in the payee's
	// escrow, not the payer's.
	holder := m.wallet(tx.FromUserID)
	if tx.Status == TxTransferredRDispatch {
		holder = m.wallet(payeeID)
	}
	if _, err := m.apply(holder, FieldEscrow, tx.Amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(m.wallet(payeeID), FieldBalance, payeeAmount); err != nil {
		// Roll back the escrow debit; composite ops never half-apply.
		_, _ = m.apply(holder, FieldEscrow, tx.Amount)
		return err
	}

	m.commissions = append(m.commissions, CommissionEntry{
		Kind:      commissionKind,
		Amount:    commission,
		CreatedAt: time.Now(),
	})
	tx.Status = TxReleased
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txByRef[txRef]
	if !ok {
		return apperr.NotFound("transaction %s not found", txRef)
	}
	if tx.Status.Terminal() {
		return apperr.Conflict("transaction %s already %s", txRef, tx.Status)
	}
	if tx.Status != TxHeld {
		return apperr.Conflict("transaction %s is %s, cannot refund", txRef, tx.Status)
	}

	payer := m.wallet(tx.FromUserID)
	if _, err := m.apply(payer, FieldEscrow, tx.Amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(payer, FieldBalance, tx.Amount); err != nil {
		_, _ = m.apply(payer, FieldEscrow, tx.Amount)
		return err
	}
	tx.Status = TxRefunded
	return nil
}

func (m *MemoryStore) PickupCredit(ctx context.Context, txRef, dispatchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txByRef[txRef]
	if !ok {
		return apperr.NotFound("transaction %s not found", txRef)
	}
	if tx.Status != TxHeld {
		return apperr.Conflict("transaction %s is %s, cannot transfer to dispatch", txRef, tx.Status)
	}

	payer := m.wallet(tx.FromUserID)
	if _, err := m.apply(payer, FieldEscrow, tx.Amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(m.wallet(dispatchID), FieldEscrow, tx.Amount); err != nil {
		_, _ = m.apply(payer, FieldEscrow, tx.Amount)
		return err
	}
	tx.Status = TxTransferredRDispatch
	return nil
}

func (m *MemoryStore) SettleSplit(ctx context.Context, txRef, payeeID string, refundAmount, releaseAmount, commission decimal.Decimal, commissionKind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txByRef[txRef]
	if !ok {
		return apperr.NotFound("transaction %s not found", txRef)
	}
	if tx.Status.Terminal() {
		return apperr.Conflict("transaction %s already %s", txRef, tx.Status)
	}
	if tx.Status != TxHeld && tx.Status != TxTransferredRDispatch {
		return apperr.Conflict("transaction %s is %s, cannot settle", txRef, tx.Status)
	}
	if !refundAmount.Add(releaseAmount).Add(commission).Equal(tx.Amount) {
		return apperr.Validation("split parts do not sum to held amount for %s", txRef)
	}

	payer := m.wallet(tx.FromUserID)
	holder := payer
	if tx.Status == TxTransferredRDispatch {
		holder = m.wallet(payeeID)
	}
	if _, err := m.apply(holder, FieldEscrow, tx.Amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(payer, FieldBalance, refundAmount); err != nil {
		_, _ = m.apply(holder, FieldEscrow, tx.Amount)
		return err
	}
	if _, err := m.apply(m.wallet(payeeID), FieldBalance, releaseAmount); err != nil {
		_, _ = m.apply(payer, FieldBalance, refundAmount.Neg())
		_, _ = m.apply(holder, FieldEscrow, tx.Amount)
		return err
	}

	m.commissions = append(m.commissions, CommissionEntry{
		Kind:      commissionKind,
		Amount:    commission,
		CreatedAt: time.Now(),
	})
	tx.Status = TxReleased
	return nil
}

func (m *MemoryStore) MoveToEscrow(ctx context.Context, userID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.wallet(userID)
	if _, err := m.apply(w, FieldBalance, amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(w, FieldEscrow, amount); err != nil {
		_, _ = m.apply(w, FieldBalance, amount)
		return err
	}
	return nil
}

func (m *MemoryStore) ShareRelease(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.wallet(fromUserID)
	if _, err := m.apply(from, FieldEscrow, amount.Neg()); err != nil {
		return err
	}
	if _, err := m.apply(m.wallet(toUserID), FieldBalance, amount); err != nil {
		_, _ = m.apply(from, FieldEscrow, amount)
		return err
	}
	return nil
}

func (m *MemoryStore) RecordCommission(ctx context.Context, kind string, amount decimal.Decimal, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commissions = append(m.commissions, CommissionEntry{
		Kind:        kind,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txByRef[tx.TxRef]; exists {
		return apperr.Conflict("transaction %s already exists", tx.TxRef)
	}
	cp := *tx
	if cp.ID == "" {
		cp.ID = idgen.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.txByRef[cp.TxRef] = &cp
	if cp.OrderID != "" {
		m.txByOrder[cp.OrderID] = cp.TxRef
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txRef string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txByRef[txRef]
	if !ok {
		return nil, apperr.NotFound("transaction %s not found", txRef)
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.txByOrder[orderID]
	if !ok {
		return nil, apperr.NotFound("no transaction for order %s", orderID)
	}
	cp := *m.txByRef[ref]
	return &cp, nil
}

func (m *MemoryStore) HasTxRef(ctx context.Context, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txByRef[txRef]
	return ok, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, tx := range m.txByRef {
		if tx.FromUserID == userID || tx.ToUserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Commissions returns booked commissions (test helper).
func (m *MemoryStore) Commissions() []CommissionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommissionEntry(nil), m.commissions...)
}
