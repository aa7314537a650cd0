// Package notify delivers push notifications for settlement events. The
// gateway is pluggable; delivery failures are reported, never fatal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tobenna/marketledger/internal/circuitbreaker"
)

// Notification is one push message to a user.
type Notification struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// Gateway sends notifications to user devices. Send returns the device
// tokens that are no longer valid so the caller can prune them.
type Gateway interface {
	Send(ctx context.Context, n *Notification) (staleTokens []string, err error)
}

// Notifier fans notifications out through a gateway, best-effort.
type Notifier struct {
	gateway Gateway
	logger  *slog.Logger
}

func New(gateway Gateway, logger *slog.Logger) *Notifier {
	return &Notifier{gateway: gateway, logger: logger}
}

// Push sends a notification, logging failures and stale tokens.
func (n *Notifier) Push(ctx context.Context, msg *Notification) {
	if n == nil || n.gateway == nil {
		return
	}
	stale, err := n.gateway.Send(ctx, msg)
	if err != nil {
		n.logger.Warn("push delivery failed", "user_id", msg.UserID, "error", err)
		return
	}
	if len(stale) > 0 {
		n.logger.Info("stale push tokens reported", "user_id", msg.UserID, "count", len(stale))
	}
}

// LogGateway writes notifications to the log. Used in development and
// whenever no real push provider is configured.
type LogGateway struct {
	Logger *slog.Logger
}

func (g *LogGateway) Send(ctx context.Context, n *Notification) ([]string, error) {
	g.Logger.Info("notification", "user_id", n.UserID, "title", n.Title, "body", n.Body)
	return nil, nil
}

// BreakerGateway wraps a Gateway with a circuit breaker so a failing
// push provider sheds load instead of slowing every settlement path.
type BreakerGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// NewBreakerGateway trips after threshold consecutive failures and
// probes again after cooldown.
func NewBreakerGateway(next Gateway, threshold int, cooldown time.Duration) *BreakerGateway {
	return &BreakerGateway{
		next:    next,
		breaker: circuitbreaker.New("push", threshold, cooldown),
	}
}

func (g *BreakerGateway) Send(ctx context.Context, n *Notification) ([]string, error) {
	if !g.breaker.Allow() {
		return nil, fmt.Errorf("push gateway circuit open")
	}
	stale, err := g.next.Send(ctx, n)
	if err != nil {
		g.breaker.RecordFailure()
		return nil, err
	}
	g.breaker.RecordSuccess()
	return stale, nil
}
