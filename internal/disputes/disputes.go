// Package disputes is the adjudication overlay: a dispute can be
// opened against any active order or escrow agreement, carries a
// message thread between the parties, and ends with an administrator
// redirecting the held funds.
package disputes

import (
	"context"
	"time"

	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pagination"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusEscalated   Status = "ESCALATED"
	StatusResolved    Status = "RESOLVED"
	StatusClosed      Status = "CLOSED"
)

// Terminal reports whether the dispute accepts no further messages or
// ledger actions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Active reports whether the dispute can still be resolved.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview || s == StatusEscalated
}

// TargetType says what kind of entity the dispute was opened against.
type TargetType string

const (
	TargetOrder     TargetType = "ORDER"
	TargetAgreement TargetType = "AGREEMENT"
)

// Outcome is the administrator's ruling.
type Outcome string

const (
	OutcomeBuyerFavor  Outcome = "BUYER_FAVOR"
	OutcomeSellerFavor Outcome = "SELLER_FAVOR"
	OutcomeCompromise  Outcome = "COMPROMISE"
)

// Dispute is one adjudication case.
type Dispute struct {
	ID              string      `json:"id"`
	TargetType      TargetType  `json:"target_type"`
	TargetID        string      `json:"target_id"`
	OrderKind       orders.Kind `json:"order_kind,omitempty"`
	InitiatorID     string      `json:"initiator_id"`
	RespondentID    string      `json:"respondent_id"`
	Reason          string      `json:"reason"`
	Status          Status      `json:"status"`
	Outcome         Outcome     `json:"outcome,omitempty"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Participant reports whether userID is a party to the dispute.
func (d *Dispute) Participant(userID string) bool {
	return userID == d.InitiatorID || userID == d.RespondentID
}

// Message is one entry in a dispute's thread.
type Message struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"dispute_id"`
	SenderID    string    `json:"sender_id"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists disputes and their message threads.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)

	// Update writes the dispute if the stored status still equals
	// expect, apperr.Conflict otherwise.
	Update(ctx context.Context, d *Dispute, expect Status) error

	AddMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, disputeID string, limit int) ([]*Message, error)

	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Dispute, error)
	ListActive(ctx context.Context, limit int) ([]*Dispute, error)
}
