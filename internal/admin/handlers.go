package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/audit"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/commission"
	"github.com/tobenna/marketledger/internal/validation"
)

// Rates reads and overrides per-kind commission rates.
type Rates interface {
	PayeeShare(ctx context.Context, kind string) (decimal.Decimal, error)
	SetRate(ctx context.Context, kind string, rate decimal.Decimal, updatedBy string) error
}

// AuditLog queries the append-only audit trail.
type AuditLog interface {
	Query(ctx context.Context, entityType, entityID string, limit int) ([]*audit.Entry, error)
}

// StatsSource reports realtime hub statistics.
type StatsSource interface {
	Stats() map[string]any
}

// Handler provides operator HTTP endpoints.
type Handler struct {
	rates Rates
	audit AuditLog
	stats StatsSource
}

func NewHandler(rates Rates) *Handler {
	return &Handler{rates: rates}
}

// WithAudit enables the audit trail query endpoint.
func (h *Handler) WithAudit(a AuditLog) *Handler {
	h.audit = a
	return h
}

// WithStats enables the realtime stats endpoint.
func (h *Handler) WithStats(s StatsSource) *Handler {
	h.stats = s
	return h
}

// RegisterRoutes sets up operator routes. The group must already carry
// admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settings/commissions", h.listRates)
	r.PUT("/admin/settings/commissions/:kind", h.setRate)
	r.GET("/admin/audit", h.queryAudit)
	r.GET("/admin/realtime/stats", h.realtimeStats)
}

var rateKinds = []string{
	commission.KindDelivery,
	commission.KindFood,
	commission.KindLaundry,
	commission.KindProduct,
	commission.KindAgreement,
}

// listRates handles GET /admin/settings/commissions
func (h *Handler) listRates(c *gin.Context) {
	ctx := c.Request.Context()
	out := make([]RateSetting, 0, len(rateKinds))
	for _, kind := range rateKinds {
		share, err := h.rates.PayeeShare(ctx, kind)
		if err != nil {
			apperr.Write(c, err)
			return
		}
		out = append(out, RateSetting{Kind: kind, PayeeShare: share})
	}
	c.JSON(http.StatusOK, gin.H{"rates": out})
}

type setRateRequest struct {
	PayeeShare decimal.Decimal `json:"payee_share" binding:"required"`
}

// setRate handles PUT /admin/settings/commissions/:kind
func (h *Handler) setRate(c *gin.Context) {
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	kind := c.Param("kind")
	if err := h.rates.SetRate(c.Request.Context(), kind, req.PayeeShare, auth.UserID(c)); err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "payee_share": req.PayeeShare})
}

// queryAudit handles GET /admin/audit?entity_type=ORDER&entity_id=...
func (h *Handler) queryAudit(c *gin.Context) {
	if h.audit == nil {
		apperr.Write(c, apperr.Conflict("audit trail not configured"))
		return
	}
	entityType := c.Query("entity_type")
	entityID := c.Query("entity_id")
	if entityType == "" || entityID == "" {
		apperr.Write(c, apperr.Validation("entity_type and entity_id query params are required"))
		return
	}

	limit := 100
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, 500); err == nil {
			limit = n
		}
	}

	entries, err := h.audit.Query(c.Request.Context(), entityType, entityID, limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// realtimeStats handles GET /admin/realtime/stats
func (h *Handler) realtimeStats(c *gin.Context) {
	if h.stats == nil {
		apperr.Write(c, apperr.Conflict("realtime hub not configured"))
		return
	}
	c.JSON(http.StatusOK, h.stats.Stats())
}
