package disputes

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/agreements"
	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/notify"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pagination"
	"github.com/tobenna/marketledger/internal/traces"
)

// Orders is the slice of the order service dispute resolution drives.
type Orders interface {
	Get(ctx context.Context, kind orders.Kind, id, actorID string, isAdmin bool) (orders.Settleable, error)
	ResolveRefund(ctx context.Context, kind orders.Kind, id, resolverID string) (orders.Settleable, error)
	ResolveRelease(ctx context.Context, kind orders.Kind, id, resolverID string) (orders.Settleable, error)
	ResolveSplit(ctx context.Context, kind orders.Kind, id string, refundFraction decimal.Decimal, resolverID string) (orders.Settleable, error)
}

// Agreements resolves disputed escrow agreements by refund fraction.
type Agreements interface {
	Resolve(ctx context.Context, id string, refundFraction decimal.Decimal, resolverID string) (*agreements.Agreement, error)
}

// Broadcaster pushes dispute events to connected websocket clients.
type Broadcaster interface {
	Broadcast(room string, event any)
}

// AuditSink records dispute actions.
type AuditSink interface {
	Record(ctx context.Context, entityType, entityID, action string, changeAmount decimal.Decimal, actorID, actorType, notes string)
}

// Service runs the dispute lifecycle and routes resolutions to the
// right settlement engine.
type Service struct {
	store       Store
	orders      Orders
	agreements  Agreements
	broadcaster Broadcaster
	notifier    *notify.Notifier
	audit       AuditSink
}

// NewService creates a dispute service.
func NewService(store Store, orderSvc Orders, agreementSvc Agreements) *Service {
	return &Service{store: store, orders: orderSvc, agreements: agreementSvc}
}

// WithBroadcaster wires the realtime hub.
func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.broadcaster = b
	return s
}

// WithNotifier adds best-effort push notifications.
func (s *Service) WithNotifier(n *notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithAudit adds an audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// OpenForOrder opens a dispute against an order. The order must still
// have something at stake: either a live status or funds still held
// (a past-boundary cancellation leaves escrow held precisely for this).
func (s *Service) OpenForOrder(ctx context.Context, kind orders.Kind, orderID, actorID, reason string) (*Dispute, error) {
	o, err := s.orders.Get(ctx, kind, orderID, actorID, false)
	if err != nil {
		return nil, err
	}
	if o.OrderStatus().Terminal() && o.Escrow() != orders.EscrowHeld {
		return nil, apperr.Conflict("order is %s with settled escrow, nothing to dispute", o.OrderStatus())
	}

	respondent := o.Payee()
	if actorID == o.Payee() {
		respondent = o.Payer()
	}
	if respondent == "" {
		return nil, apperr.Validation("order has no counterparty to dispute against")
	}

	d := &Dispute{
		ID:           idgen.WithPrefix("dsp_"),
		TargetType:   TargetOrder,
		TargetID:     orderID,
		OrderKind:    kind,
		InitiatorID:  actorID,
		RespondentID: respondent,
		Reason:       reason,
		Status:       StatusOpen,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.opened(ctx, d, actorID)
	return d, nil
}

// OpenForAgreement opens a dispute against an escrow agreement. Called
// from the agreement engine on post-funding rejections as well as from
// the HTTP surface.
func (s *Service) OpenForAgreement(ctx context.Context, agreementID, initiatorID, respondentID, reason string) error {
	d := &Dispute{
		ID:           idgen.WithPrefix("dsp_"),
		TargetType:   TargetAgreement,
		TargetID:     agreementID,
		InitiatorID:  initiatorID,
		RespondentID: respondentID,
		Reason:       reason,
		Status:       StatusOpen,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return err
	}
	s.opened(ctx, d, initiatorID)
	return nil
}

func (s *Service) opened(ctx context.Context, d *Dispute, actorID string) {
	metrics.OpenDisputes.Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID, "target_type", string(d.TargetType), "target_id", d.TargetID,
		logging.UserID(actorID))
	if s.audit != nil {
		s.audit.Record(ctx, "dispute", d.ID, "opened", decimal.Zero, actorID, "user", d.Reason)
	}
	s.push(ctx, d.RespondentID, "Dispute opened",
		"A dispute was opened against you. Reason: "+d.Reason, d)
}

// Get returns a dispute, restricted to its parties unless admin.
func (s *Service) Get(ctx context.Context, id, actorID string, isAdmin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !d.Participant(actorID) {
		return nil, apperr.Authorization("not a party to this dispute")
	}
	return d, nil
}

// ListForUser returns disputes the user is party to, newest first.
// A non-nil cursor resumes the listing strictly before that position.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Dispute, error) {
	return s.store.ListByUser(ctx, userID, limit, before)
}

// ListActive returns disputes awaiting adjudication.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.store.ListActive(ctx, limit)
}

// Messages returns a dispute's thread.
func (s *Service) Messages(ctx context.Context, id, actorID string, isAdmin bool, limit int) ([]*Message, error) {
	if _, err := s.Get(ctx, id, actorID, isAdmin); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id, limit)
}

// PostMessage appends to the thread while the dispute is still live.
func (s *Service) PostMessage(ctx context.Context, id, senderID, body string, attachments []string, isAdmin bool) (*Message, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !d.Participant(senderID) {
		return nil, apperr.Authorization("not a party to this dispute")
	}
	if d.Status.Terminal() {
		return nil, apperr.Conflict("dispute is %s, thread is closed", d.Status)
	}
	if body == "" && len(attachments) == 0 {
		return nil, apperr.Validation("message is empty")
	}

	m := &Message{
		ID:          idgen.New(),
		DisputeID:   d.ID,
		SenderID:    senderID,
		Body:        body,
		Attachments: attachments,
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}

	s.broadcast(d.ID, map[string]any{"type": "message", "message": m})
	other := d.RespondentID
	if senderID == other {
		other = d.InitiatorID
	}
	if senderID != other {
		s.push(ctx, other, "New dispute message", "You have a new message in a dispute.", d)
	}
	return m, nil
}

// Review moves an open dispute under administrative review.
func (s *Service) Review(ctx context.Context, id, adminID string) (*Dispute, error) {
	return s.setStatus(ctx, id, adminID, StatusOpen, StatusUnderReview, "review_started")
}

// Escalate flags a reviewed dispute for senior adjudication.
func (s *Service) Escalate(ctx context.Context, id, adminID string) (*Dispute, error) {
	return s.setStatus(ctx, id, adminID, StatusUnderReview, StatusEscalated, "escalated")
}

func (s *Service) setStatus(ctx context.Context, id, adminID string, from, to Status, action string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != from {
		return nil, apperr.Conflict("dispute is %s, expected %s", d.Status, from)
	}
	d.Status = to
	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(ctx, "dispute", d.ID, action, decimal.Zero, adminID, "admin", "")
	}
	s.broadcast(d.ID, map[string]any{"type": "status", "status": d.Status})
	return d, nil
}

// Resolution is the administrator's ruling input.
type Resolution struct {
	Outcome        Outcome         `json:"outcome" binding:"required"`
	RefundFraction decimal.Decimal `json:"refund_fraction"`
	Notes          string          `json:"notes"`
}

// Resolve applies the ruling to the underlying entity and closes the
// dispute. The target's own terminal-state guard makes a racing double
// resolution fail with a conflict rather than pay twice.
func (s *Service) Resolve(ctx context.Context, id string, res *Resolution, adminID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.resolve")
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, apperr.Conflict("dispute is already %s", d.Status)
	}

	fraction, err := fractionFor(res)
	if err != nil {
		return nil, err
	}

	switch d.TargetType {
	case TargetOrder:
		switch res.Outcome {
		case OutcomeBuyerFavor:
			_, err = s.orders.ResolveRefund(ctx, d.OrderKind, d.TargetID, adminID)
		case OutcomeSellerFavor:
			_, err = s.orders.ResolveRelease(ctx, d.OrderKind, d.TargetID, adminID)
		case OutcomeCompromise:
			_, err = s.orders.ResolveSplit(ctx, d.OrderKind, d.TargetID, fraction, adminID)
		}
	case TargetAgreement:
		_, err = s.agreements.Resolve(ctx, d.TargetID, fraction, adminID)
	default:
		err = apperr.Internal(nil, "dispute %s has unknown target type %s", d.ID, d.TargetType)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expect := d.Status
	d.Status = StatusResolved
	d.Outcome = res.Outcome
	d.ResolutionNotes = res.Notes
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d, expect); err != nil {
		logging.L(ctx).Error("CRITICAL: funds settled but dispute status write failed",
			"dispute_id", d.ID, "error", err)
		return nil, err
	}

	metrics.OpenDisputes.Dec()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "outcome", string(res.Outcome), logging.UserID(adminID))
	if s.audit != nil {
		s.audit.Record(ctx, "dispute", d.ID, "resolved", decimal.Zero, adminID, "admin", string(res.Outcome))
	}
	s.broadcast(d.ID, map[string]any{"type": "resolved", "outcome": res.Outcome})
	s.push(ctx, d.InitiatorID, "Dispute resolved", "Your dispute was resolved: "+string(res.Outcome), d)
	s.push(ctx, d.RespondentID, "Dispute resolved", "A dispute against you was resolved: "+string(res.Outcome), d)
	return d, nil
}

// Close ends a dispute without any ledger action.
func (s *Service) Close(ctx context.Context, id, adminID, notes string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, apperr.Conflict("dispute is already %s", d.Status)
	}

	expect := d.Status
	d.Status = StatusClosed
	d.ResolutionNotes = notes
	d.ResolvedBy = adminID
	if err := s.store.Update(ctx, d, expect); err != nil {
		return nil, err
	}
	metrics.OpenDisputes.Dec()
	if s.audit != nil {
		s.audit.Record(ctx, "dispute", d.ID, "closed", decimal.Zero, adminID, "admin", notes)
	}
	s.broadcast(d.ID, map[string]any{"type": "closed"})
	return d, nil
}

func fractionFor(res *Resolution) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	switch res.Outcome {
	case OutcomeBuyerFavor:
		return one, nil
	case OutcomeSellerFavor:
		return decimal.Zero, nil
	case OutcomeCompromise:
		if res.RefundFraction.LessThanOrEqual(decimal.Zero) || res.RefundFraction.GreaterThanOrEqual(one) {
			return decimal.Zero, apperr.Validation("compromise requires a refund_fraction strictly between 0 and 1")
		}
		return res.RefundFraction, nil
	}
	return decimal.Zero, apperr.Validation("unknown outcome %s", res.Outcome)
}

func (s *Service) broadcast(disputeID string, event any) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast("dispute:"+disputeID, event)
	}
}

func (s *Service) push(ctx context.Context, userID, title, body string, d *Dispute) {
	s.notifier.Push(ctx, &notify.Notification{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   map[string]any{"dispute_id": d.ID, "target_id": d.TargetID},
	})
}
