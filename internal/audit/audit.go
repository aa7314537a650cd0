// Package audit records an append-only trail of state-changing actions.
// Writes are best-effort: a failed audit insert is logged, never allowed
// to fail the action it describes.
package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/idgen"
	"github.com/tobenna/marketledger/internal/logging"
)

// Entry is one audit record.
type Entry struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Action       string          `json:"action"`
	ChangeAmount decimal.Decimal `json:"change_amount"`
	ActorID      string          `json:"performed_by"`
	ActorType    string          `json:"actor_type"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error)
}

// Trail is the sink handed to services.
type Trail struct {
	store Store
}

func NewTrail(store Store) *Trail {
	return &Trail{store: store}
}

// Record appends an entry, swallowing storage errors after logging them.
func (t *Trail) Record(ctx context.Context, entityType, entityID, action string, changeAmount decimal.Decimal, actorID, actorType, notes string) {
	e := &Entry{
		ID:           idgen.New(),
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		ChangeAmount: changeAmount,
		ActorID:      actorID,
		ActorType:    actorType,
		Notes:        notes,
		CreatedAt:    time.Now(),
	}
	if err := t.store.Append(ctx, e); err != nil {
		logging.L(ctx).Error("audit append failed",
			"entity_type", entityType, "entity_id", entityID,
			"action", action, "error", err)
	}
}

// Query returns recent entries for an entity.
func (t *Trail) Query(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	return t.store.Query(ctx, entityType, entityID, limit)
}
