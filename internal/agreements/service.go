package agreements

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/notify"
	"github.com/tobenna/marketledger/internal/wallet"
)

// Store persists agreements with their parties as one aggregate.
type Store interface {
	Create(ctx context.Context, a *Agreement) error
	Get(ctx context.Context, id string) (*Agreement, error)

	// Update writes the aggregate if the stored status still equals
	// expect, apperr.Conflict otherwise.
	Update(ctx context.Context, a *Agreement, expect Status) error

	ListByUser(ctx context.Context, userID string, limit int) ([]*Agreement, error)
}

// Ledger is the slice of the wallet store the agreement engine needs.
type Ledger interface {
	MoveToEscrow(ctx context.Context, userID string, amount decimal.Decimal) error
	ShareRelease(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) error
	Adjust(ctx context.Context, userID string, field wallet.Field, delta decimal.Decimal) (decimal.Decimal, error)
	RecordCommission(ctx context.Context, kind string, amount decimal.Decimal, description string) error
}

// Rates resolves the platform's payee share for a settlement kind.
type Rates interface {
	PayeeShare(ctx context.Context, kind string) (decimal.Decimal, error)
}

// DisputeOpener lets a post-funding rejection escalate instead of
// cancelling. Optional.
type DisputeOpener interface {
	OpenForAgreement(ctx context.Context, agreementID, initiatorID, respondentID, reason string) error
}

// AuditSink records agreement state changes. Optional.
type AuditSink interface {
	Record(ctx context.Context, entityType, entityID, action string, changeAmount decimal.Decimal, actorID, actorType, notes string)
}

// Service drives the agreement lifecycle.
type Service struct {
	store    Store
	ledger   Ledger
	rates    Rates
	disputes DisputeOpener
	notifier *notify.Notifier
	audit    AuditSink
	locks    sync.Map // per-agreement ID mutexes
	now      func() time.Time
}

// lock returns the mutex serializing writers of one agreement. Every
// mutating operation reads, modifies and rewrites the whole aggregate,
// so two concurrent writers would otherwise overwrite each other's
// party flags even when the status CAS passes.
func (s *Service) lock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// NewService creates an agreement service.
func NewService(store Store, ledger Ledger, rates Rates) *Service {
	return &Service{store: store, ledger: ledger, rates: rates, now: time.Now}
}

// WithDisputes wires the dispute escalation path.
func (s *Service) WithDisputes(d DisputeOpener) *Service {
	s.disputes = d
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

// RecipientInput is one recipient share in a create request.
type RecipientInput struct {
	UserID string          `json:"user_id" binding:"required"`
	Share  decimal.Decimal `json:"share" binding:"required"`
}

// CreateRequest is the initiator's agreement definition.
type CreateRequest struct {
	Title       string           `json:"title" binding:"required"`
	Description string           `json:"description"`
	Terms       string           `json:"terms"`
	Amount      decimal.Decimal  `json:"amount" binding:"required"`
	Recipients  []RecipientInput `json:"recipients" binding:"required"`
	Observers   []string         `json:"observers"`
}

// Create validates and persists a DRAFT agreement. Recipient shares
// must sum to the amount exactly; the initiator may not hold a share.
func (s *Service) Create(ctx context.Context, initiatorID string, req *CreateRequest) (*Agreement, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("amount must be positive")
	}
	if len(req.Recipients) == 0 {
		return nil, apperr.Validation("at least one recipient is required")
	}

	seen := map[string]bool{initiatorID: true}
	shareSum := decimal.Zero
	for i, r := range req.Recipients {
		if r.UserID == initiatorID {
			return nil, apperr.Validation("initiator cannot be a recipient")
		}
		if seen[r.UserID] {
			return nil, apperr.Validation("recipient %d: duplicate party %s", i, r.UserID)
		}
		seen[r.UserID] = true
		if r.Share.LessThanOrEqual(decimal.Zero) {
			return nil, apperr.Validation("recipient %d: share must be positive", i)
		}
		shareSum = shareSum.Add(r.Share)
	}
	if !shareSum.Equal(req.Amount) {
		return nil, apperr.Validation("recipient shares sum to %s, amount is %s",
			shareSum.StringFixed(2), req.Amount.StringFixed(2))
	}
	for _, obs := range req.Observers {
		if seen[obs] {
			return nil, apperr.Validation("observer %s is already a party", obs)
		}
		seen[obs] = true
	}

	share, err := s.rates.PayeeShare(ctx, "AGREEMENT")
	if err != nil {
		return nil, err
	}
	rate := decimal.NewFromInt(1).Sub(share)
	commission := req.Amount.Mul(rate).RoundBank(2)

	now := s.now()
	a := &Agreement{
		ID:             idgen.WithPrefix("agr_"),
		InitiatorID:    initiatorID,
		Title:          req.Title,
		Description:    req.Description,
		Terms:          req.Terms,
		Amount:         req.Amount,
		CommissionRate: rate,
		Commission:     commission,
		Status:         StatusDraft,
		ExpiresAt:      now.Add(DefaultExpiry),
	}
	a.Parties = append(a.Parties, &Party{
		ID:          idgen.New(),
		AgreementID: a.ID,
		UserID:      initiatorID,
		Role:        RoleInitiator,
		Accepted:    true,
	})
	for _, r := range req.Recipients {
		a.Parties = append(a.Parties, &Party{
			ID:          idgen.New(),
			AgreementID: a.ID,
			UserID:      r.UserID,
			Role:        RoleRecipient,
			Share:       r.Share,
			InviteCode:  idgen.InviteCode(),
		})
	}
	for _, obs := range req.Observers {
		a.Parties = append(a.Parties, &Party{
			ID:          idgen.New(),
			AgreementID: a.ID,
			UserID:      obs,
			Role:        RoleObserver,
			InviteCode:  idgen.InviteCode(),
		})
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, a, "created", initiatorID, decimal.Zero, "")
	return a, nil
}

// Get returns an agreement, restricted to its parties unless admin.
func (s *Service) Get(ctx context.Context, id, actorID string, isAdmin bool) (*Agreement, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && a.PartyFor(actorID) == nil {
		return nil, apperr.Authorization("not a party to this agreement")
	}
	return a, nil
}

// ListForUser returns agreements the user participates in.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Agreement, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Send publishes a draft to its invitees.
func (s *Service) Send(ctx context.Context, id, actorID string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.InitiatorID != actorID {
		return nil, apperr.Authorization("only the initiator can send an agreement")
	}
	if a.Status != StatusDraft {
		return nil, apperr.Conflict("agreement is %s, expected DRAFT", a.Status)
	}

	a.Status = StatusPendingAcceptance
	if err := s.store.Update(ctx, a, StatusDraft); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, a, "sent", actorID, decimal.Zero, "")
	for _, p := range a.Parties {
		if p.Role != RoleInitiator {
			s.push(ctx, p.UserID, "Escrow agreement invitation",
				"You have been invited to \""+a.Title+"\"", a.ID)
		}
	}
	return a, nil
}

// Accept records one party's acceptance by invite code. When every
// invitee has accepted, the agreement advances to READY_FOR_FUNDING.
func (s *Service) Accept(ctx context.Context, id, actorID, inviteCode string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPendingAcceptance {
		return nil, apperr.Conflict("agreement is %s, expected PENDING_ACCEPTANCE", a.Status)
	}
	p := a.PartyByInvite(inviteCode)
	if p == nil {
		return nil, apperr.NotFound("invalid invite code")
	}
	if p.UserID != actorID {
		return nil, apperr.Authorization("invite code belongs to another user")
	}
	if p.Accepted {
		return nil, apperr.Conflict("already accepted")
	}

	now := s.now()
	p.Accepted = true
	p.AcceptedAt = &now
	expect := a.Status
	if a.AllAccepted() {
		a.Status = StatusReadyForFunding
	}
	if err := s.store.Update(ctx, a, expect); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, a, "accepted", actorID, decimal.Zero, "")
	if a.Status == StatusReadyForFunding {
		s.push(ctx, a.InitiatorID, "Agreement ready for funding",
			"All parties accepted \""+a.Title+"\"", a.ID)
	}
	return a, nil
}

// Reject is a party refusing the agreement. Before funding this
// cancels the whole agreement; after funding it opens a dispute, since
// committed funds cannot be unilaterally walked back.
func (s *Service) Reject(ctx context.Context, id, actorID, reason string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := a.PartyFor(actorID)
	if p == nil {
		return nil, apperr.Authorization("not a party to this agreement")
	}

	switch a.Status {
	case StatusPendingAcceptance, StatusReadyForFunding:
		now := s.now()
		expect := a.Status
		a.Status = StatusCancelled
		a.CancelledAt = &now
		if err := s.store.Update(ctx, a, expect); err != nil {
			return nil, err
		}
		s.recordAudit(ctx, a, "rejected", actorID, decimal.Zero, reason)
		s.push(ctx, a.InitiatorID, "Agreement rejected",
			"\""+a.Title+"\" was rejected and cancelled", a.ID)
		return a, nil

	case StatusFunded, StatusInProgress:
		if s.disputes == nil {
			return nil, apperr.Conflict("agreement is funded, open a dispute to contest it")
		}
		if err := s.disputes.OpenForAgreement(ctx, a.ID, actorID, a.InitiatorID, reason); err != nil {
			return nil, err
		}
		s.recordAudit(ctx, a, "rejection_escalated", actorID, decimal.Zero, reason)
		return a, nil

	default:
		return nil, apperr.Conflict("agreement is %s and cannot be rejected", a.Status)
	}
}

// Fund moves amount plus commission from the initiator's balance into
// the initiator's own escrow.
func (s *Service) Fund(ctx context.Context, id, actorID string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.InitiatorID != actorID {
		return nil, apperr.Authorization("only the initiator can fund an agreement")
	}
	if a.Status != StatusReadyForFunding {
		return nil, apperr.Conflict("agreement is %s, expected READY_FOR_FUNDING", a.Status)
	}
	if a.Expired(s.now()) {
		return nil, apperr.Conflict("agreement expired on %s", a.ExpiresAt.Format(time.RFC3339))
	}

	total := a.Amount.Add(a.Commission)
	if err := s.ledger.MoveToEscrow(ctx, a.InitiatorID, total); err != nil {
		return nil, err
	}

	now := s.now()
	a.Status = StatusFunded
	a.FundedAt = &now
	if err := s.store.Update(ctx, a, StatusReadyForFunding); err != nil {
		// funds are in the initiator's own escrow, reverse the move
		if _, rerr := s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldEscrow, total.Neg()); rerr == nil {
			_, rerr = s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldBalance, total)
			if rerr != nil {
				logging.L(ctx).Error("CRITICAL: funding reversal half-applied",
					"agreement_id", a.ID, "error", rerr)
			}
		}
		return nil, err
	}
	s.recordAudit(ctx, a, "funded", actorID, total, "")
	return a, nil
}

// Start marks the funded agreement as in progress.
func (s *Service) Start(ctx context.Context, id, actorID string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.InitiatorID != actorID {
		return nil, apperr.Authorization("only the initiator can start an agreement")
	}
	if a.Status != StatusFunded {
		return nil, apperr.Conflict("agreement is %s, expected FUNDED", a.Status)
	}

	a.Status = StatusInProgress
	if err := s.store.Update(ctx, a, StatusFunded); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, a, "started", actorID, decimal.Zero, "")
	return a, nil
}

// ProposeCompletion records a party's claim that the work is done,
// with optional evidence URLs.
func (s *Service) ProposeCompletion(ctx context.Context, id, actorID, note string, evidence []string) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PartyFor(actorID) == nil {
		return nil, apperr.Authorization("not a party to this agreement")
	}
	if a.Status != StatusInProgress {
		return nil, apperr.Conflict("agreement is %s, expected IN_PROGRESS", a.Status)
	}

	a.Proposal = &CompletionProposal{
		ProposedBy: actorID,
		Note:       note,
		Evidence:   evidence,
		ProposedAt: s.now(),
	}
	if err := s.store.Update(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, a, "completion_proposed", actorID, decimal.Zero, note)
	for _, p := range a.Parties {
		if p.UserID != actorID {
			s.push(ctx, p.UserID, "Completion proposed",
				"Completion was proposed for \""+a.Title+"\"", a.ID)
		}
	}
	return a, nil
}

// Vote records one voting party's confirmation. When the last voting
// party confirms, the shares release. A non-confirming vote escalates
// to a dispute when that path is wired.
func (s *Service) Vote(ctx context.Context, id, actorID string, confirm bool) (*Agreement, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := a.PartyFor(actorID)
	if p == nil {
		return nil, apperr.Authorization("not a party to this agreement")
	}
	if !p.Votes() {
		return nil, apperr.Authorization("observers do not vote")
	}
	if a.Status != StatusInProgress {
		return nil, apperr.Conflict("agreement is %s, expected IN_PROGRESS", a.Status)
	}

	if !confirm {
		if s.disputes != nil {
			if err := s.disputes.OpenForAgreement(ctx, a.ID, actorID, a.InitiatorID, "completion vote rejected"); err != nil {
				return nil, err
			}
		}
		s.recordAudit(ctx, a, "vote_rejected", actorID, decimal.Zero, "")
		return a, nil
	}
	if p.Confirmed {
		return nil, apperr.Conflict("already confirmed")
	}

	now := s.now()
	p.Confirmed = true
	p.ConfirmedAt = &now
	if !a.AllConfirmed() {
		if err := s.store.Update(ctx, a, StatusInProgress); err != nil {
			return nil, err
		}
		s.recordAudit(ctx, a, "vote_confirmed", actorID, decimal.Zero, "")
		return a, nil
	}

	// unanimous: claim COMPLETED first so a racing final vote cannot
	// release twice, then move the money
	a.Status = StatusCompleted
	a.CompletedAt = &now
	if err := s.store.Update(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}

	if err := s.release(ctx, a); err != nil {
		logging.L(ctx).Error("CRITICAL: agreement marked COMPLETED but release failed",
			"agreement_id", a.ID, "error", err)
		return nil, err
	}
	s.recordAudit(ctx, a, "completed", actorID, a.Amount, "")
	metrics.CommissionCollected.WithLabelValues("agreement").Add(commissionFloat(a.Commission))
	for _, party := range a.Parties {
		s.push(ctx, party.UserID, "Agreement completed",
			"\""+a.Title+"\" completed, funds released", a.ID)
	}
	return a, nil
}

// Resolve settles a disputed agreement under administrative authority:
// refund back to the initiator's balance, release to recipients, or a
// proportional split of each share.
func (s *Service) Resolve(ctx context.Context, id string, refundFraction decimal.Decimal, resolverID string) (*Agreement, error) {
	if refundFraction.LessThan(decimal.Zero) || refundFraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, apperr.Validation("refund fraction must be between 0 and 1")
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusFunded && a.Status != StatusInProgress {
		return nil, apperr.Conflict("agreement is %s and holds no releasable funds", a.Status)
	}

	now := s.now()
	expect := a.Status
	if refundFraction.Equal(decimal.NewFromInt(1)) {
		a.Status = StatusCancelled
		a.CancelledAt = &now
	} else {
		a.Status = StatusCompleted
		a.CompletedAt = &now
	}
	if err := s.store.Update(ctx, a, expect); err != nil {
		return nil, err
	}

	refunded := decimal.Zero
	for _, r := range a.Recipients() {
		refund := r.Share.Mul(refundFraction).RoundBank(2)
		release := r.Share.Sub(refund)
		if release.IsPositive() {
			if err := s.ledger.ShareRelease(ctx, a.InitiatorID, r.UserID, release); err != nil {
				logging.L(ctx).Error("CRITICAL: dispute release failed mid-settlement",
					"agreement_id", a.ID, "recipient", r.UserID, "error", err)
				return nil, err
			}
		}
		refunded = refunded.Add(refund)
	}
	// a full refund returns the commission to the initiator; any
	// release keeps it as platform commission
	back := refunded
	if refundFraction.Equal(decimal.NewFromInt(1)) {
		back = back.Add(a.Commission)
	} else if a.Commission.IsPositive() {
		if _, err := s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldEscrow, a.Commission.Neg()); err != nil {
			return nil, err
		}
		if err := s.ledger.RecordCommission(ctx, "AGREEMENT", a.Commission, "agreement "+a.ID+" dispute"); err != nil {
			return nil, err
		}
	}
	if back.IsPositive() {
		if _, err := s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldEscrow, back.Neg()); err != nil {
			return nil, err
		}
		if _, err := s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldBalance, back); err != nil {
			return nil, err
		}
	}

	s.recordAudit(ctx, a, "dispute_resolved", resolverID, refunded, "")
	return a, nil
}

// release pays each recipient their share out of the initiator's
// escrow and books the commission.
func (s *Service) release(ctx context.Context, a *Agreement) error {
	for _, r := range a.Recipients() {
		if err := s.ledger.ShareRelease(ctx, a.InitiatorID, r.UserID, r.Share); err != nil {
			return err
		}
	}
	if a.Commission.IsPositive() {
		if _, err := s.ledger.Adjust(ctx, a.InitiatorID, wallet.FieldEscrow, a.Commission.Neg()); err != nil {
			return err
		}
		if err := s.ledger.RecordCommission(ctx, "AGREEMENT", a.Commission, "agreement "+a.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, a *Agreement, action, actorID string, amount decimal.Decimal, notes string) {
	if s.audit != nil {
		s.audit.Record(ctx, "agreement", a.ID, action, amount, actorID, "user", notes)
	}
	logging.L(ctx).Info("agreement "+action,
		"agreement_id", a.ID, "status", string(a.Status), logging.UserID(actorID))
}

func (s *Service) push(ctx context.Context, userID, title, body, agreementID string) {
	s.notifier.Push(ctx, &notify.Notification{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   map[string]any{"agreement_id": agreementID},
	})
}

func commissionFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
