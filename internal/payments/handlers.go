package payments

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for payment initiation and the
// gateway webhook.
type Handler struct {
	service   *Service
	processor *Processor
	failed    FailedStore
	logger    *slog.Logger
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, processor *Processor, failed FailedStore, logger *slog.Logger) *Handler {
	return &Handler{service: service, processor: processor, failed: failed, logger: logger}
}

// RegisterRoutes sets up authenticated payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/delivery/quote", h.QuoteDelivery)
	r.POST("/payments/delivery/initiate", h.InitiateDelivery)
	r.POST("/payments/food/checkout", h.checkout(orders.KindFood))
	r.POST("/payments/laundry/checkout", h.checkout(orders.KindLaundry))
	r.POST("/payments/products/checkout", h.checkout(orders.KindProduct))
	r.POST("/payments/topup", h.InitiateTopUp)
}

// RegisterWebhookRoutes sets up the unauthenticated gateway callback.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.processor.Handle)
}

// RegisterAdminRoutes sets up admin-only payment routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payments/failed", h.ListFailedJobs)
}

// QuoteDelivery handles POST /payments/delivery/quote
func (h *Handler) QuoteDelivery(c *gin.Context) {
	var req DeliveryQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.DistanceKm.LessThanOrEqual(decimal.Zero) {
		apperr.Write(c, apperr.Validation("distance_km must be positive"))
		return
	}
	fee := h.service.QuoteDeliveryFee(req.DistanceKm)
	c.JSON(http.StatusOK, gin.H{"fee": fee, "distance_km": req.DistanceKm})
}

// InitiateDelivery handles POST /payments/delivery/initiate
func (h *Handler) InitiateDelivery(c *gin.Context) {
	var req DeliveryQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	req.PickupLocation = validation.SanitizeString(req.PickupLocation, 500)
	req.Destination = validation.SanitizeString(req.Destination, 500)
	req.PackageDescription = validation.SanitizeString(req.PackageDescription, 1000)

	payload, err := h.service.InitiateDelivery(c.Request.Context(), auth.UserID(c), &req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	h.logger.Info("delivery payment staged", "tx_ref", payload.TxRef, "amount", payload.Amount.String())
	c.JSON(http.StatusOK, gin.H{"payment": payload})
}

func (h *Handler) checkout(kind orders.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Write(c, apperr.Validation("invalid request body: %v", err))
			return
		}
		req.DeliveryAddress = validation.SanitizeString(req.DeliveryAddress, 500)
		req.PickupAddress = validation.SanitizeString(req.PickupAddress, 500)
		req.Instructions = validation.SanitizeString(req.Instructions, 1000)

		payload, err := h.service.InitiateCheckout(c.Request.Context(), kind, auth.UserID(c), &req)
		if err != nil {
			apperr.Write(c, err)
			return
		}
		h.logger.Info("checkout staged", "kind", string(kind), "tx_ref", payload.TxRef)
		c.JSON(http.StatusOK, gin.H{"payment": payload})
	}
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// InitiateTopUp handles POST /payments/topup
func (h *Handler) InitiateTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	payload, err := h.service.InitiateTopUp(c.Request.Context(), auth.UserID(c), req.Amount)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payload})
}

// ListFailedJobs handles GET /admin/payments/failed
func (h *Handler) ListFailedJobs(c *gin.Context) {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, 500); err == nil {
			limit = n
		}
	}
	jobs, err := h.failed.List(c.Request.Context(), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed_jobs": jobs, "count": len(jobs)})
}
