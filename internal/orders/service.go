package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/notify"
	"github.com/tobenna/marketledger/internal/traces"
)

// Ledger is the slice of the wallet store order settlement needs.
type Ledger interface {
	Release(ctx context.Context, txRef, payeeID string, payeeAmount, commission decimal.Decimal, commissionKind string) error
	Refund(ctx context.Context, txRef string) error
	PickupCredit(ctx context.Context, txRef, dispatchID string) error
	SettleSplit(ctx context.Context, txRef, payeeID string, refundAmount, releaseAmount, commission decimal.Decimal, commissionKind string) error
}

// Rates resolves the payee/commission split for a settlement kind.
type Rates interface {
	Split(ctx context.Context, kind string, amount decimal.Decimal) (payee, commission decimal.Decimal, err error)
}

// AuditSink records order transitions.
type AuditSink interface {
	Record(ctx context.Context, entityType, entityID, action string, changeAmount decimal.Decimal, actorID, actorType, notes string)
}

// Service runs the order state machines. Every transition validates the
// actor, applies the ledger effect first, then compare-and-swaps the
// status; the ledger's own terminal-state guard is what serializes
// racing settlements.
type Service struct {
	store    Store
	ledger   Ledger
	rates    Rates
	notifier *notify.Notifier
	audit    AuditSink
}

// NewService creates an order service.
func NewService(store Store, ledger Ledger, rates Rates) *Service {
	return &Service{store: store, ledger: ledger, rates: rates}
}

// WithNotifier adds push notifications on settlement events.
func (s *Service) WithNotifier(n *notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithAudit adds an audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// Create persists a freshly materialized order. Called from webhook
// materialization only; the escrow hold has already happened.
func (s *Service) Create(ctx context.Context, o Settleable) error {
	return s.store.Create(ctx, o)
}

// Get returns an order, restricted to its participants unless admin.
func (s *Service) Get(ctx context.Context, kind Kind, id, actorID string, isAdmin bool) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && actorID != o.Payer() && actorID != o.Payee() {
		return nil, apperr.Authorization("not a participant in this order")
	}
	return o, nil
}

// ListForUser returns the orders a user participates in.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Settleable, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func core(o Settleable) *Core {
	switch t := o.(type) {
	case *DeliveryOrder:
		return &t.Core
	case *FoodOrder:
		return &t.Core
	case *LaundryOrder:
		return &t.Core
	case *ProductOrder:
		return &t.Core
	}
	return nil
}

// AssignRider attaches a rider to an unclaimed delivery. Sender only.
func (s *Service) AssignRider(ctx context.Context, id, senderID, riderID string) (Settleable, error) {
	o, err := s.store.Get(ctx, KindDelivery, id)
	if err != nil {
		return nil, err
	}
	if o.Payer() != senderID {
		return nil, apperr.Authorization("only the sender can assign a rider")
	}
	if o.OrderStatus() != StatusPaidNeedsRider {
		return nil, apperr.Conflict("delivery is %s, cannot assign a rider", o.OrderStatus())
	}
	if riderID == senderID {
		return nil, apperr.Validation("sender cannot be the rider")
	}

	c := core(o)
	from := c.Status
	c.PayeeID = riderID
	c.Status = StatusAssigned
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, from); err != nil {
		return nil, err
	}

	s.transitioned(ctx, o, "RIDER_ASSIGNED", senderID)
	s.push(ctx, riderID, "New delivery", "You have been assigned a delivery.", o)
	return o, nil
}

// RiderAccept confirms the assigned rider will take the delivery.
func (s *Service) RiderAccept(ctx context.Context, id, riderID string) (Settleable, error) {
	return s.simpleTransition(ctx, KindDelivery, id, riderID, actorPayee,
		[]Status{StatusAssigned}, StatusAccepted, "RIDER_ACCEPTED")
}

// RiderDecline returns an assigned delivery to the unclaimed pool.
func (s *Service) RiderDecline(ctx context.Context, id, riderID string) (Settleable, error) {
	o, err := s.store.Get(ctx, KindDelivery, id)
	if err != nil {
		return nil, err
	}
	if o.Payee() != riderID {
		return nil, apperr.Authorization("not the assigned rider")
	}
	if o.OrderStatus() != StatusAssigned {
		return nil, apperr.Conflict("delivery is %s, cannot decline", o.OrderStatus())
	}

	c := core(o)
	from := c.Status
	c.PayeeID = ""
	c.Status = StatusPaidNeedsRider
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, from); err != nil {
		return nil, err
	}

	s.transitioned(ctx, o, "RIDER_DECLINED", riderID)
	s.push(ctx, o.Payer(), "Rider declined", "Your delivery needs a new rider.", o)
	return o, nil
}

// VendorAccept moves a vendor order out of PENDING. Pure status change.
func (s *Service) VendorAccept(ctx context.Context, kind Kind, id, vendorID string) (Settleable, error) {
	next := StatusPreparing
	if kind == KindProduct {
		next = StatusAccepted
	}
	o, err := s.simpleTransition(ctx, kind, id, vendorID, actorPayee,
		[]Status{StatusPending}, next, "VENDOR_ACCEPTED")
	if err != nil {
		return nil, err
	}
	s.push(ctx, o.Payer(), "Order accepted", "Your order is being prepared.", o)
	return o, nil
}

// VendorReject refuses a PENDING order and refunds the payer in full.
func (s *Service) VendorReject(ctx context.Context, kind Kind, id, vendorID, reason string) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Payee() != vendorID {
		return nil, apperr.Authorization("not the vendor for this order")
	}
	if o.OrderStatus() != StatusPending {
		return nil, apperr.Conflict("order is %s, cannot reject", o.OrderStatus())
	}

	c := core(o)
	if err := s.ledger.Refund(ctx, c.TxRef); err != nil {
		return nil, err
	}

	from := c.Status
	c.Status = StatusCancelled
	c.EscrowStatus = EscrowRefunded
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, from); err != nil {
		// the refund committed; the status row is now behind the ledger
		logging.L(ctx).Error("order status write failed after refund",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	s.transitioned(ctx, o, "VENDOR_REJECTED", vendorID)
	s.push(ctx, o.Payer(), "Order rejected", "Your payment has been refunded to your wallet.", o)
	return o, nil
}

// RiderPickup secures the delivery fee in the rider's escrow and starts
// transit. Allowed straight from ASSIGNED so a rider scanning the
// package in can skip the separate accept tap.
func (s *Service) RiderPickup(ctx context.Context, id, riderID string) (Settleable, error) {
	o, err := s.store.Get(ctx, KindDelivery, id)
	if err != nil {
		return nil, err
	}
	if o.Payee() != riderID {
		return nil, apperr.Authorization("not the assigned rider")
	}
	st := o.OrderStatus()
	if st != StatusAssigned && st != StatusAccepted {
		return nil, apperr.Conflict("delivery is %s, cannot pick up", st)
	}

	c := core(o)
	if err := s.ledger.PickupCredit(ctx, c.TxRef, riderID); err != nil {
		return nil, err
	}

	c.Status = StatusInTransit
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		logging.L(ctx).Error("order status write failed after dispatch transfer",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	s.transitioned(ctx, o, "PICKED_UP", riderID)
	s.push(ctx, o.Payer(), "Package picked up", "Your package is on its way.", o)
	return o, nil
}

// MarkReady signals the order is ready for handover.
func (s *Service) MarkReady(ctx context.Context, kind Kind, id, vendorID string) (Settleable, error) {
	from := []Status{StatusPreparing}
	if kind == KindProduct {
		from = []Status{StatusAccepted}
	}
	o, err := s.simpleTransition(ctx, kind, id, vendorID, actorPayee, from, StatusReady, "MARKED_READY")
	if err != nil {
		return nil, err
	}
	s.push(ctx, o.Payer(), "Order ready", "Your order is ready. Confirm receipt once you have it.", o)
	return o, nil
}

// MarkDelivered records the rider's handover claim; funds move only
// when the sender confirms receipt.
func (s *Service) MarkDelivered(ctx context.Context, id, riderID string) (Settleable, error) {
	o, err := s.simpleTransition(ctx, KindDelivery, id, riderID, actorPayee,
		[]Status{StatusInTransit}, StatusDelivered, "MARKED_DELIVERED")
	if err != nil {
		return nil, err
	}
	s.push(ctx, o.Payer(), "Package delivered", "Confirm receipt to release payment.", o)
	return o, nil
}

// ConfirmReceipt settles the order: escrow drains to the payee net of
// the per-kind commission, the order completes. Replaying the call hits
// the transaction's terminal state and returns a conflict.
func (s *Service) ConfirmReceipt(ctx context.Context, kind Kind, id, payerID string) (Settleable, error) {
	ctx, span := traces.StartSpan(ctx, "orders.confirm_receipt",
		traces.OrderID(id), traces.OrderKind(string(kind)))
	defer span.End()

	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Payer() != payerID {
		return nil, apperr.Authorization("only the payer can confirm receipt")
	}

	st := o.OrderStatus()
	c := core(o)
	want := StatusReady
	if kind == KindDelivery {
		want = StatusDelivered
	}
	// a delivery cancelled after pickup still owes the fee once the
	// package arrives; its escrow stays held until confirmed here
	lateCancel := kind == KindDelivery && st == StatusCancelled && c.EscrowStatus == EscrowHeld
	if st != want && !lateCancel {
		if st == StatusCompleted || c.EscrowStatus == EscrowReleased {
			return nil, apperr.Conflict("receipt already confirmed")
		}
		return nil, apperr.Conflict("order is %s, cannot confirm receipt", st)
	}

	payeeAmount, commission, err := s.rates.Split(ctx, string(kind), o.Total())
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Release(ctx, c.TxRef, o.Payee(), payeeAmount, commission, string(kind)); err != nil {
		return nil, err
	}

	if !lateCancel {
		c.Status = StatusCompleted
	}
	c.EscrowStatus = EscrowReleased
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		logging.L(ctx).Error("order status write failed after release",
			logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		return nil, err
	}

	metrics.CommissionCollected.WithLabelValues(string(kind)).Add(commissionFloat(commission))
	s.transitioned(ctx, o, "RECEIPT_CONFIRMED", payerID)
	s.push(ctx, o.Payee(), "Payment released",
		"Payment of "+payeeAmount.StringFixed(2)+" has been released to your wallet.", o)
	return o, nil
}

// Cancel ends an order early. The refund boundary is per kind: a
// delivery refunds until the rider picks the package up, the vendor
// kinds refund only while still PENDING. A cancellation past the
// boundary leaves the funds held; the fee settles on an eventual
// receipt confirmation or through dispute resolution.
func (s *Service) Cancel(ctx context.Context, kind Kind, id, actorID, reason string) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if actorID != o.Payer() && actorID != o.Payee() {
		return nil, apperr.Authorization("not a participant in this order")
	}

	st := o.OrderStatus()
	if !CanTransition(kind, st, StatusCancelled) {
		return nil, apperr.Conflict("order is %s, cannot cancel", st)
	}

	refundable := st == StatusPending
	if kind == KindDelivery {
		refundable = st == StatusPaidNeedsRider || st == StatusAssigned || st == StatusAccepted
	}

	c := core(o)
	if refundable {
		if err := s.ledger.Refund(ctx, c.TxRef); err != nil {
			return nil, err
		}
		c.EscrowStatus = EscrowRefunded
	}

	c.Status = StatusCancelled
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		if refundable {
			logging.L(ctx).Error("order status write failed after refund",
				logging.OrderID(id), logging.TxRef(c.TxRef), "error", err)
		}
		return nil, err
	}

	s.transitioned(ctx, o, "CANCELLED", actorID)
	other := o.Payee()
	if actorID == other {
		other = o.Payer()
	}
	if other != "" {
		s.push(ctx, other, "Order cancelled", "The order was cancelled. Reason: "+reason, o)
	}
	return o, nil
}

type actorRole int

const actorPayee actorRole = iota

// simpleTransition handles pure status changes with payee authorization.
func (s *Service) simpleTransition(ctx context.Context, kind Kind, id, actorID string, _ actorRole, from []Status, to Status, action string) (Settleable, error) {
	o, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if o.Payee() != actorID {
		return nil, apperr.Authorization("not the %s for this order", payeeNoun(kind))
	}

	st := o.OrderStatus()
	allowed := false
	for _, f := range from {
		if st == f {
			allowed = true
		}
	}
	if !allowed {
		return nil, apperr.Conflict("order is %s, cannot %s", st, action)
	}

	c := core(o)
	c.Status = to
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o, st); err != nil {
		return nil, err
	}
	s.transitioned(ctx, o, action, actorID)
	return o, nil
}

func payeeNoun(kind Kind) string {
	if kind == KindDelivery {
		return "rider"
	}
	return "vendor"
}

func (s *Service) transitioned(ctx context.Context, o Settleable, action, actorID string) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(o.OrderKind()), action).Inc()
	logging.L(ctx).Info("order transition",
		logging.OrderID(o.OrderID()), "kind", o.OrderKind(), "action", action,
		"status", o.OrderStatus(), logging.UserID(actorID))
	if s.audit != nil {
		s.audit.Record(ctx, "ORDER", o.OrderID(), action, decimal.Zero, actorID, "USER", string(o.OrderStatus()))
	}
}

func (s *Service) push(ctx context.Context, userID, title, body string, o Settleable) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Push(ctx, &notify.Notification{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   map[string]any{"order_id": o.OrderID(), "kind": o.OrderKind(), "status": o.OrderStatus()},
	})
}

func commissionFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
