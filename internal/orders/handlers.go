package orders

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for order lifecycle transitions
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes. The group must already carry the
// auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.List)
	r.GET("/orders/:kind/:id", h.Get)
	r.POST("/orders/:kind/:id/accept", h.Accept)
	r.POST("/orders/:kind/:id/reject", h.Reject)
	r.POST("/orders/:kind/:id/ready", h.MarkReady)
	r.POST("/orders/:kind/:id/confirm", h.ConfirmReceipt)
	r.POST("/orders/:kind/:id/cancel", h.Cancel)
	r.POST("/orders/:kind/:id/assign", h.AssignRider)
	r.POST("/orders/:kind/:id/decline", h.RiderDecline)
	r.POST("/orders/:kind/:id/pickup", h.RiderPickup)
	r.POST("/orders/:kind/:id/delivered", h.MarkDelivered)
}

func deliveryOnly(c *gin.Context) bool {
	kind, ok := parseKind(c)
	if !ok {
		return false
	}
	if kind != KindDelivery {
		apperr.Write(c, apperr.Validation("%s orders do not support this action", strings.ToLower(string(kind))))
		return false
	}
	return true
}

func parseKind(c *gin.Context) (Kind, bool) {
	kind := Kind(strings.ToUpper(c.Param("kind")))
	switch kind {
	case KindDelivery, KindFood, KindLaundry, KindProduct:
		return kind, true
	}
	apperr.Write(c, apperr.Validation("unknown order kind %q", c.Param("kind")))
	return "", false
}

// List handles GET /orders
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, 200); err == nil {
			limit = n
		}
	}
	out, err := h.service.ListForUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

// Get handles GET /orders/:kind/:id
func (h *Handler) Get(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	o, err := h.service.Get(c.Request.Context(), kind, c.Param("id"),
		auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Accept handles POST /orders/:kind/:id/accept. For a delivery this is
// the rider's accept; for the vendor kinds it starts preparation.
func (h *Handler) Accept(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var (
		o   Settleable
		err error
	)
	if kind == KindDelivery {
		o, err = h.service.RiderAccept(c.Request.Context(), c.Param("id"), auth.UserID(c))
	} else {
		o, err = h.service.VendorAccept(c.Request.Context(), kind, c.Param("id"), auth.UserID(c))
	}
	h.respond(c, o, err)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /orders/:kind/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	if kind == KindDelivery {
		apperr.Write(c, apperr.Validation("deliveries are declined, not rejected"))
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	o, err := h.service.VendorReject(c.Request.Context(), kind, c.Param("id"), auth.UserID(c), req.Reason)
	h.respond(c, o, err)
}

// MarkReady handles POST /orders/:kind/:id/ready
func (h *Handler) MarkReady(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	if kind == KindDelivery {
		apperr.Write(c, apperr.Validation("deliveries use /delivered, not /ready"))
		return
	}
	o, err := h.service.MarkReady(c.Request.Context(), kind, c.Param("id"), auth.UserID(c))
	h.respond(c, o, err)
}

// ConfirmReceipt handles POST /orders/:kind/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	o, err := h.service.ConfirmReceipt(c.Request.Context(), kind, c.Param("id"), auth.UserID(c))
	h.respond(c, o, err)
}

// Cancel handles POST /orders/:kind/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	o, err := h.service.Cancel(c.Request.Context(), kind, c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, 500))
	h.respond(c, o, err)
}

type assignRequest struct {
	RiderID string `json:"rider_id" binding:"required"`
}

// AssignRider handles POST /orders/delivery/:id/assign
func (h *Handler) AssignRider(c *gin.Context) {
	if !deliveryOnly(c) {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	o, err := h.service.AssignRider(c.Request.Context(), c.Param("id"), auth.UserID(c), req.RiderID)
	h.respond(c, o, err)
}

// RiderDecline handles POST /orders/delivery/:id/decline
func (h *Handler) RiderDecline(c *gin.Context) {
	if !deliveryOnly(c) {
		return
	}
	o, err := h.service.RiderDecline(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, o, err)
}

// RiderPickup handles POST /orders/delivery/:id/pickup
func (h *Handler) RiderPickup(c *gin.Context) {
	if !deliveryOnly(c) {
		return
	}
	o, err := h.service.RiderPickup(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, o, err)
}

// MarkDelivered handles POST /orders/delivery/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	if !deliveryOnly(c) {
		return
	}
	o, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, o, err)
}

func (h *Handler) respond(c *gin.Context, o Settleable, err error) {
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
