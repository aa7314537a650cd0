package disputes

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pagination"
	"github.com/tobenna/marketledger/internal/realtime"
	"github.com/tobenna/marketledger/internal/security"
	"github.com/tobenna/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
	hub     *realtime.Hub
	logger  *slog.Logger
}

// NewHandler creates a new disputes handler. hub may be nil when the
// realtime surface is disabled.
func NewHandler(service *Service, hub *realtime.Hub, logger *slog.Logger) *Handler {
	return &Handler{service: service, hub: hub, logger: logger}
}

// RegisterRoutes sets up dispute routes. The group must already carry
// the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.GET("/disputes/:id/messages", h.Messages)
	r.POST("/disputes/:id/messages", h.PostMessage)
	if h.hub != nil {
		r.GET("/disputes/:id/ws", h.Watch)
	}
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListActive)
	r.POST("/admin/disputes/:id/review", h.Review)
	r.POST("/admin/disputes/:id/escalate", h.Escalate)
	r.POST("/admin/disputes/:id/resolve", h.Resolve)
	r.POST("/admin/disputes/:id/close", h.Close)
}

type openRequest struct {
	TargetType   TargetType `json:"target_type" binding:"required"`
	TargetID     string     `json:"target_id" binding:"required"`
	OrderKind    string     `json:"order_kind"`
	RespondentID string     `json:"respondent_id"`
	Reason       string     `json:"reason" binding:"required"`
}

// Open handles POST /disputes
func (h *Handler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	reason := validation.SanitizeString(req.Reason, 2000)
	userID := auth.UserID(c)

	var (
		d   *Dispute
		err error
	)
	switch req.TargetType {
	case TargetOrder:
		kind := orders.Kind(strings.ToUpper(req.OrderKind))
		if !kind.Valid() {
			apperr.Write(c, apperr.Validation("unknown order kind %q", req.OrderKind))
			return
		}
		d, err = h.service.OpenForOrder(c.Request.Context(), kind, req.TargetID, userID, reason)
	case TargetAgreement:
		if req.RespondentID == "" {
			apperr.Write(c, apperr.Validation("respondent_id is required for agreement disputes"))
			return
		}
		err = h.service.OpenForAgreement(c.Request.Context(), req.TargetID, userID, req.RespondentID, reason)
		if err == nil {
			c.JSON(http.StatusCreated, gin.H{"status": "opened"})
			return
		}
	default:
		apperr.Write(c, apperr.Validation("target_type must be ORDER or AGREEMENT"))
		return
	}
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// List handles GET /disputes. Results are newest first; pass the
// returned next_cursor back as ?cursor to fetch the following page.
func (h *Handler) List(c *gin.Context) {
	before, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		apperr.Write(c, apperr.Validation("invalid cursor"))
		return
	}
	limit := queryLimit(c, 200)

	list, err := h.service.ListForUser(c.Request.Context(), auth.UserID(c), limit+1, before)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	page, next, more := pagination.Page(list, limit, func(d *Dispute) pagination.Cursor {
		return pagination.Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
	})
	c.JSON(http.StatusOK, gin.H{
		"disputes":    page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), isAdmin(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Messages handles GET /disputes/:id/messages
func (h *Handler) Messages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), auth.UserID(c), isAdmin(c), queryLimit(c, 500))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type messageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

// PostMessage handles POST /disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	for _, u := range req.Attachments {
		if err := security.ValidateAttachmentURL(u); err != nil {
			apperr.Write(c, apperr.Validation("attachment URL %q rejected: %v", u, err))
			return
		}
	}
	m, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Body, 5000), req.Attachments, isAdmin(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// Watch handles GET /disputes/:id/ws, upgrading to a websocket pinned
// to the dispute's room.
func (h *Handler) Watch(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.Get(c.Request.Context(), id, auth.UserID(c), isAdmin(c)); err != nil {
		apperr.Write(c, err)
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, "dispute:"+id)
}

// ListActive handles GET /admin/disputes
func (h *Handler) ListActive(c *gin.Context) {
	list, err := h.service.ListActive(c.Request.Context(), queryLimit(c, 500))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// Review handles POST /admin/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	d, err := h.service.Review(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /admin/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var res Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	res.Notes = validation.SanitizeString(res.Notes, 2000)

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), &res, auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	h.logger.Info("dispute resolved", "dispute_id", d.ID, "outcome", string(d.Outcome))
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type closeRequest struct {
	Notes string `json:"notes"`
}

// Close handles POST /admin/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	var req closeRequest
	_ = c.ShouldBindJSON(&req)

	d, err := h.service.Close(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Notes, 2000))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func isAdmin(c *gin.Context) bool {
	return auth.Role(c) == auth.RoleAdmin
}

func queryLimit(c *gin.Context, max int) int {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, max); err == nil {
			limit = n
		}
	}
	return limit
}
