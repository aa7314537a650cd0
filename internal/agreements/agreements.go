// Package agreements implements N-party escrow agreements with
// unanimous-consent release. Funds are held in the initiator's own
// escrow until every voting party confirms completion, then released
// share by share to the recipients.
package agreements

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the agreement lifecycle state.
type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusPendingAcceptance Status = "PENDING_ACCEPTANCE"
	StatusReadyForFunding   Status = "READY_FOR_FUNDING"
	StatusFunded            Status = "FUNDED"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is a party's role in the agreement.
type Role string

const (
	RoleInitiator Role = "INITIATOR"
	RoleRecipient Role = "RECIPIENT"
	RoleObserver  Role = "OBSERVER"
)

// DefaultExpiry is how long an agreement stays fundable after creation.
const DefaultExpiry = 14 * 24 * time.Hour

// Party is one participant. Recipients carry a share of the net
// amount; observers carry none and do not vote.
type Party struct {
	ID          string          `json:"id"`
	AgreementID string          `json:"agreement_id"`
	UserID      string          `json:"user_id"`
	Role        Role            `json:"role"`
	Share       decimal.Decimal `json:"share"`
	InviteCode  string          `json:"invite_code,omitempty"`
	Accepted    bool            `json:"accepted"`
	AcceptedAt  *time.Time      `json:"accepted_at,omitempty"`
	Confirmed   bool            `json:"confirmed"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
}

// Votes reports whether this party's confirmation counts toward the
// unanimity requirement.
func (p *Party) Votes() bool {
	return p.Role != RoleObserver
}

// CompletionProposal is a party's claim that the agreed work is done.
type CompletionProposal struct {
	ProposedBy string    `json:"proposed_by"`
	Note       string    `json:"note,omitempty"`
	Evidence   []string  `json:"evidence,omitempty"`
	ProposedAt time.Time `json:"proposed_at"`
}

// Agreement is the aggregate root. Amount is the net sum split across
// recipient shares; Commission is charged on top and drawn from the
// initiator alongside the amount at funding time.
type Agreement struct {
	ID             string              `json:"id"`
	InitiatorID    string              `json:"initiator_id"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	Terms          string              `json:"terms,omitempty"`
	Amount         decimal.Decimal     `json:"amount"`
	CommissionRate decimal.Decimal     `json:"commission_rate"`
	Commission     decimal.Decimal     `json:"commission"`
	Status         Status              `json:"status"`
	ExpiresAt      time.Time           `json:"expires_at"`
	FundedAt       *time.Time          `json:"funded_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	Proposal       *CompletionProposal `json:"completion_proposal,omitempty"`
	Parties        []*Party            `json:"parties"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// PartyFor returns the party row for userID, nil if not a participant.
func (a *Agreement) PartyFor(userID string) *Party {
	for _, p := range a.Parties {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// PartyByInvite returns the party holding the given invite code.
func (a *Agreement) PartyByInvite(code string) *Party {
	for _, p := range a.Parties {
		if p.InviteCode != "" && p.InviteCode == code {
			return p
		}
	}
	return nil
}

// Recipients returns the parties holding shares.
func (a *Agreement) Recipients() []*Party {
	var out []*Party
	for _, p := range a.Parties {
		if p.Role == RoleRecipient {
			out = append(out, p)
		}
	}
	return out
}

// AllAccepted reports whether every invited party has accepted.
func (a *Agreement) AllAccepted() bool {
	for _, p := range a.Parties {
		if p.Role != RoleInitiator && !p.Accepted {
			return false
		}
	}
	return true
}

// AllConfirmed reports whether every voting party has confirmed
// completion. Observers are excluded.
func (a *Agreement) AllConfirmed() bool {
	for _, p := range a.Parties {
		if p.Votes() && !p.Confirmed {
			return false
		}
	}
	return true
}

// Expired reports whether the funding window has passed.
func (a *Agreement) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
