// Package pending stages payment intents between initiation and webhook
// confirmation. An intent is written when a payment is quoted, consumed
// exactly once when the gateway confirms, and silently expires if the
// payer abandons the payment.
package pending

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TTL is how long a staged intent survives without confirmation.
const TTL = 1800 * time.Second

// Intent is the staged payload for a not-yet-confirmed payment. Details
// carries the kind-specific order snapshot that materialization will
// persist.
type Intent struct {
	TxRef     string          `json:"tx_ref"`
	Kind      string          `json:"kind"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Key builds the storage key for an intent: pending_<kind>_<tx_ref>.
func Key(kind, txRef string) string {
	return "pending_" + strings.ToLower(kind) + "_" + txRef
}

// Store stages intents with expiry. Consume must be atomic: concurrent
// consumers of the same key see at most one success.
type Store interface {
	// Put stages an intent under Key(intent.Kind, intent.TxRef) with TTL.
	Put(ctx context.Context, intent *Intent) error

	// Consume atomically fetches and deletes an intent. Returns
	// (nil, nil) when the key is absent or expired.
	Consume(ctx context.Context, kind, txRef string) (*Intent, error)

	// Peek returns an intent without consuming it, (nil, nil) if absent.
	Peek(ctx context.Context, kind, txRef string) (*Intent, error)
}
