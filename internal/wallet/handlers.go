package wallet

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes. The group must already carry
// the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/wallet/withdraw", h.Withdraw)
	r.POST("/wallet/pay", h.Pay)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:user_id/adjust", h.AdminAdjust)
	r.GET("/admin/wallets/:user_id", h.AdminGetBalance)
}

// GetBalance handles GET /wallet
func (h *Handler) GetBalance(c *gin.Context) {
	w, txs, err := h.service.Balance(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "recent_transactions": txs})
}

// GetHistory handles GET /wallet/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := validation.ParseLimit(l, 200); err == nil {
			limit = n
		}
	}
	txs, err := h.service.Store().History(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type withdrawRequest struct {
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
}

// Withdraw handles POST /wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	userID := auth.UserID(c)
	tx, err := h.service.Withdraw(c.Request.Context(), userID, req.Amount, map[string]any{
		"bank_code":      req.BankCode,
		"account_number": req.AccountNumber,
	})
	if err != nil {
		apperr.Write(c, err)
		return
	}

	h.logger.Info("withdrawal initiated", "user_id", userID, "tx_ref", tx.TxRef)
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type payRequest struct {
	ToUserID string          `json:"to_user_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	OrderID  string          `json:"order_id"`
	Note     string          `json:"note"`
}

// Pay handles POST /wallet/pay
func (h *Handler) Pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	userID := auth.UserID(c)
	if req.ToUserID == userID {
		apperr.Write(c, apperr.Validation("cannot pay yourself"))
		return
	}

	var details map[string]any
	if req.Note != "" {
		details = map[string]any{"note": validation.SanitizeString(req.Note, 500)}
	}
	tx, err := h.service.PayWithWallet(c.Request.Context(), userID, req.ToUserID, req.Amount, req.OrderID, details)
	if err != nil {
		apperr.Write(c, err)
		return
	}

	h.logger.Info("wallet payment", "from", userID, "to", req.ToUserID, "tx_ref", tx.TxRef)
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type adjustRequest struct {
	Field Field           `json:"field" binding:"required"`
	Delta decimal.Decimal `json:"delta" binding:"required"`
	Notes string          `json:"notes"`
}

// AdminAdjust handles POST /admin/wallets/:user_id/adjust
func (h *Handler) AdminAdjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.Field != FieldBalance && req.Field != FieldEscrow {
		apperr.Write(c, apperr.Validation("field must be balance or escrow_balance"))
		return
	}

	userID := c.Param("user_id")
	newVal, err := h.service.AdminAdjust(c.Request.Context(), auth.UserID(c), userID, req.Field, req.Delta, req.Notes)
	if err != nil {
		apperr.Write(c, err)
		return
	}

	h.logger.Info("admin wallet adjustment",
		"admin_id", auth.UserID(c), "user_id", userID,
		"field", req.Field, "delta", req.Delta.String())
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "field": req.Field, "new_value": newVal})
}

// AdminGetBalance handles GET /admin/wallets/:user_id
func (h *Handler) AdminGetBalance(c *gin.Context) {
	w, txs, err := h.service.Balance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "recent_transactions": txs})
}
