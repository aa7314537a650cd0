package payments

import (
	"context"
	"encoding/json"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pending"
	"github.com/tobenna/marketledger/internal/traces"
	"github.com/tobenna/marketledger/internal/wallet"
)

// OrderCreator persists a newly materialized order.
type OrderCreator interface {
	Create(ctx context.Context, o orders.Settleable) error
}

// Holder places the confirmed payment into the payer's escrow.
type Holder interface {
	Hold(ctx context.Context, tx *wallet.Transaction) error
}

// IntentMaterializer turns confirmed payments into orders, escrow holds
// and wallet credits. It is the Queue's worker body and must stay
// idempotent: a replayed job that finds its intent consumed, or its
// tx_ref already in the ledger, is a no-op.
type IntentMaterializer struct {
	intents pending.Store
	orders  OrderCreator
	ledger  Holder
	wallets Wallets
}

// NewIntentMaterializer wires the materialization dependencies.
func NewIntentMaterializer(intents pending.Store, oc OrderCreator, ledger Holder, wallets Wallets) *IntentMaterializer {
	return &IntentMaterializer{intents: intents, orders: oc, ledger: ledger, wallets: wallets}
}

// Materialize processes one confirmed payment job.
func (m *IntentMaterializer) Materialize(ctx context.Context, job Job) error {
	ctx, span := traces.StartSpan(ctx, "payments.materialize", traces.TxRef(job.TxRef))
	defer span.End()
	log := logging.L(ctx).With(logging.TxRef(job.TxRef), "kind", job.Kind)

	intent, err := m.intents.Peek(ctx, job.Kind, job.TxRef)
	if err != nil {
		return apperr.External(err, "failed to read pending intent for %s", job.TxRef)
	}
	if intent == nil {
		log.Info("no pending intent, payment already materialized or expired")
		return apperr.Noop("no pending intent for %s", job.TxRef)
	}

	if !job.Amount.Equal(intent.Amount) {
		log.Error("gateway amount does not match staged intent",
			"gateway_amount", job.Amount, "staged_amount", intent.Amount)
		m.discard(ctx, job)
		return apperr.Noop("amount mismatch for %s", job.TxRef)
	}

	if job.Kind == "topup" {
		err = m.materializeTopUp(ctx, intent, job)
	} else {
		err = m.materializeOrder(ctx, intent, job)
	}
	if err != nil {
		// the intent is consumed even on failure so a poisoned job
		// cannot loop forever; the failed_jobs row is the recovery path
		m.discard(ctx, job)
		return err
	}

	m.discard(ctx, job)
	log.Info("payment materialized")
	return nil
}

func (m *IntentMaterializer) discard(ctx context.Context, job Job) {
	if _, err := m.intents.Consume(context.WithoutCancel(ctx), job.Kind, job.TxRef); err != nil {
		logging.L(ctx).Error("failed to consume pending intent",
			logging.TxRef(job.TxRef), "error", err)
	}
}

func (m *IntentMaterializer) materializeTopUp(ctx context.Context, intent *pending.Intent, job Job) error {
	err := m.wallets.CreditTopUp(ctx, intent.UserID, intent.Amount, job.TxRef, map[string]any{
		"gateway_ref": job.GatewayRef,
		"source":      "gateway",
	})
	if apperr.KindOf(err) == apperr.KindConflict {
		logging.L(ctx).Info("top-up already credited", logging.TxRef(job.TxRef))
		return nil
	}
	return err
}

func (m *IntentMaterializer) materializeOrder(ctx context.Context, intent *pending.Intent, job Job) error {
	var staged stagedOrder
	if err := json.Unmarshal(intent.Details, &staged); err != nil {
		return apperr.Validation("staged order for %s is malformed: %v", job.TxRef, err)
	}

	var o orders.Settleable
	switch staged.Kind {
	case orders.KindDelivery:
		o = staged.Delivery
	case orders.KindFood:
		o = staged.Food
	case orders.KindLaundry:
		o = staged.Laundry
	case orders.KindProduct:
		o = staged.Product
	}
	if o == nil || o.Payer() == "" {
		return apperr.Validation("staged order for %s has no payload", job.TxRef)
	}

	c := coreOf(o)
	c.ID = idgen.New()
	c.TxRef = job.TxRef
	c.Status = orders.InitialStatus(staged.Kind)
	c.PaymentStatus = orders.PaymentPaid
	c.EscrowStatus = orders.EscrowHeld

	err := m.ledger.Hold(ctx, &wallet.Transaction{
		TxRef:      job.TxRef,
		Amount:     intent.Amount,
		FromUserID: o.Payer(),
		ToUserID:   o.Payee(),
		OrderID:    c.ID,
		Type:       txTypeForKind(staged.Kind),
		Details:    map[string]any{"gateway_ref": job.GatewayRef},
	})
	if apperr.KindOf(err) == apperr.KindConflict {
		logging.L(ctx).Info("escrow hold already exists", logging.TxRef(job.TxRef))
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.orders.Create(ctx, o); err != nil {
		logging.L(ctx).Error("CRITICAL: funds held but order not persisted",
			logging.TxRef(job.TxRef), logging.OrderID(c.ID), "error", err)
		return err
	}
	return nil
}

// coreOf exposes the embedded order core for hydration.
func coreOf(o orders.Settleable) *orders.Core {
	switch t := o.(type) {
	case *orders.DeliveryOrder:
		return &t.Core
	case *orders.FoodOrder:
		return &t.Core
	case *orders.LaundryOrder:
		return &t.Core
	case *orders.ProductOrder:
		return &t.Core
	}
	return nil
}
