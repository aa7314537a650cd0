package payments

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/traces"
)

// Event is the gateway's webhook payload.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the charge details of a webhook event.
type EventData struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Dedup answers whether a tx_ref has already been materialized. Backed
// by the transactions table's unique tx_ref constraint.
type Dedup interface {
	HasTxRef(ctx context.Context, txRef string) (bool, error)
}

// Processor validates inbound gateway webhooks and enqueues
// materialization jobs. It acknowledges everything it recognizes
// quickly; the only non-200 response is a bad signature.
type Processor struct {
	secretHash string
	dedup      Dedup
	queue      *Queue
	logger     *slog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(secretHash string, dedup Dedup, queue *Queue, logger *slog.Logger) *Processor {
	return &Processor{secretHash: secretHash, dedup: dedup, queue: queue, logger: logger}
}

// prefixKind maps a tx_ref prefix to the materialization kind, or ""
// when the prefix is not one the processor dispatches on.
func prefixKind(txRef string) string {
	i := strings.IndexByte(txRef, '-')
	if i <= 0 {
		return ""
	}
	return kindForPrefix(txRef[:i])
}

// Handle is the gin handler for POST /payments/webhook.
func (p *Processor) Handle(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "webhook.handle")
	defer span.End()

	sig := c.GetHeader("verif-hash")
	if subtle.ConstantTimeCompare([]byte(sig), []byte(p.secretHash)) != 1 {
		metrics.WebhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		logging.L(ctx).Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid signature"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_body").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "message": "unreadable body"})
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_body").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "message": "malformed payload"})
		return
	}

	if event.Event != "charge.completed" || event.Data.Status != "successful" {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	txRef := event.Data.TxRef
	if txRef == "" {
		metrics.WebhookEventsTotal.WithLabelValues("missing_txref").Inc()
		logging.L(ctx).Error("webhook charge.completed without tx_ref", "gateway_id", event.Data.ID)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "missing tx_ref"})
		return
	}

	exists, err := p.dedup.HasTxRef(ctx, txRef)
	if err != nil {
		// storage is down; enqueue anyway, materialization is idempotent
		logging.L(ctx).Error("idempotency check failed", logging.TxRef(txRef), "error", err)
	}
	if exists {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already_processed", "tx_ref": txRef})
		return
	}

	span.SetAttributes(traces.TxRef(txRef))

	kind := prefixKind(txRef)
	if kind == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown_type").Inc()
		logging.L(ctx).Warn("webhook with unknown tx_ref prefix", logging.TxRef(txRef))
		c.JSON(http.StatusOK, gin.H{"status": "unknown_transaction_type", "tx_ref": txRef})
		return
	}

	p.queue.Enqueue(Job{
		Kind:       kind,
		TxRef:      txRef,
		Amount:     event.Data.Amount,
		GatewayRef: event.Data.ID,
	})

	metrics.WebhookEventsTotal.WithLabelValues("queued").Inc()
	logging.L(ctx).Info("webhook queued for materialization", logging.TxRef(txRef), "kind", kind)
	c.JSON(http.StatusOK, gin.H{"status": "queued", "tx_ref": txRef})
}
