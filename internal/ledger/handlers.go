package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/validation"
)

// Handler exposes the caller's wallet over HTTP.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a wallet handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterProtectedRoutes sets up wallet routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	w, err := h.ledger.Balance(c.Request.Context(), id.OwnerID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "withdrawalFee": h.ledger.WithdrawalFee()})
}

// ListTransactions handles GET /v1/wallet/transactions?cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	page, err := h.ledger.History(c.Request.Context(), id.OwnerID, cursor, pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// WithdrawRequestBody is the body of POST /v1/wallet/withdraw.
type WithdrawRequestBody struct {
	Amount        money.Amount `json:"amount" binding:"required"`
	BankAccountID string       `json:"bankAccountId" binding:"required"`
}

// Withdraw handles POST /v1/wallet/withdraw. An Idempotency-Key header makes
// retries of the same request return the original entry.
func (h *Handler) Withdraw(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	var body WithdrawRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid_request", "amount and bankAccountId are required")
		return
	}
	key := validation.SanitizeString(c.GetHeader("Idempotency-Key"), 128)

	entry, err := h.ledger.Withdraw(c.Request.Context(), WithdrawRequest{
		OwnerID:        id.OwnerID,
		Amount:         body.Amount,
		BankAccountID:  body.BankAccountID,
		IdempotencyKey: key,
	})
	if errors.Is(err, apperr.ErrDuplicateReference) {
		c.JSON(http.StatusOK, gin.H{"entry": entry, "replayed": true})
		return
	}
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}
