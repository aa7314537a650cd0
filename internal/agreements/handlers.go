package agreements

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/security"
	"github.com/tobenna/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for escrow agreements.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new agreements handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up agreement routes. The group must already
// carry the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agreements", h.Create)
	r.GET("/agreements", h.List)
	r.GET("/agreements/:id", h.Get)
	r.POST("/agreements/:id/send", h.Send)
	r.POST("/agreements/:id/accept", h.Accept)
	r.POST("/agreements/:id/reject", h.Reject)
	r.POST("/agreements/:id/fund", h.Fund)
	r.POST("/agreements/:id/start", h.Start)
	r.POST("/agreements/:id/propose", h.Propose)
	r.POST("/agreements/:id/vote", h.Vote)
}

// Create handles POST /agreements
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	req.Title = validation.SanitizeString(req.Title, 200)
	req.Description = validation.SanitizeString(req.Description, 2000)
	req.Terms = validation.SanitizeString(req.Terms, 5000)

	a, err := h.service.Create(c.Request.Context(), auth.UserID(c), &req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	h.logger.Info("agreement created", "agreement_id", a.ID, "amount", a.Amount.String())
	c.JSON(http.StatusCreated, gin.H{"agreement": a})
}

// List handles GET /agreements
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, 200); err == nil {
			limit = n
		}
	}
	list, err := h.service.ListForUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": list, "count": len(list)})
}

// Get handles GET /agreements/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// Send handles POST /agreements/:id/send
func (h *Handler) Send(c *gin.Context) {
	a, err := h.service.Send(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

type acceptRequest struct {
	InviteCode string `json:"invite_code" binding:"required"`
}

// Accept handles POST /agreements/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	a, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.UserID(c), req.InviteCode)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /agreements/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	a, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// Fund handles POST /agreements/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	a, err := h.service.Fund(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	h.logger.Info("agreement funded", "agreement_id", a.ID,
		"total", a.Amount.Add(a.Commission).String())
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// Start handles POST /agreements/:id/start
func (h *Handler) Start(c *gin.Context) {
	a, err := h.service.Start(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

type proposeRequest struct {
	Note     string   `json:"note"`
	Evidence []string `json:"evidence"`
}

// Propose handles POST /agreements/:id/propose
func (h *Handler) Propose(c *gin.Context) {
	var req proposeRequest
	_ = c.ShouldBindJSON(&req)
	for _, u := range req.Evidence {
		if err := security.ValidateAttachmentURL(u); err != nil {
			apperr.Write(c, apperr.Validation("evidence URL %q rejected: %v", u, err))
			return
		}
	}

	a, err := h.service.ProposeCompletion(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Note, 2000), req.Evidence)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

type voteRequest struct {
	Confirm *bool `json:"confirm" binding:"required"`
}

// Vote handles POST /agreements/:id/vote
func (h *Handler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	a, err := h.service.Vote(c.Request.Context(), c.Param("id"), auth.UserID(c), *req.Confirm)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}
