package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/validation"
)

// Webhook signature headers. The second is the gateway's native name.
const (
	SignatureHeader         = "X-Signature"
	PaystackSignatureHeader = "X-Paystack-Signature"
)

const maxWebhookBody = 64 << 10

// Handler exposes wallet funding over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a funding handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up funding routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/fund", h.InitializeFunding)
	r.POST("/wallet/fund/verify", h.VerifyFunding)
}

// RegisterPublicRoutes sets up the gateway webhook, authenticated by its
// signature rather than a bearer token.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.Webhook)
}

// FundRequest is the body of POST /v1/wallet/fund.
type FundRequest struct {
	Amount money.Amount `json:"amount" binding:"required"`
}

// InitializeFunding handles POST /v1/wallet/fund
func (h *Handler) InitializeFunding(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "amount is required")
		return
	}
	f, err := h.service.InitializeFunding(c.Request.Context(), id.OwnerID, id.Email, req.Amount)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"funding": f})
}

// VerifyRequest is the body of POST /v1/wallet/fund/verify.
type VerifyRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// VerifyFunding handles POST /v1/wallet/fund/verify
func (h *Handler) VerifyFunding(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "reference is required")
		return
	}
	entry, err := h.service.VerifyCallback(c.Request.Context(), id.OwnerID, validation.SanitizeString(req.Reference, 128))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// Webhook handles POST /v1/webhooks/paystack. Anything other than a bad
// signature or a failed credit is answered 200 so the gateway stops
// redelivering; a failed credit is answered 5xx so it tries again.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.BadRequest(c, "invalid_request", "could not read body")
		return
	}
	signature := c.GetHeader(SignatureHeader)
	if signature == "" {
		signature = c.GetHeader(PaystackSignatureHeader)
	}

	outcome, err := h.service.HandleWebhook(c.Request.Context(), body, signature)
	if errors.Is(err, apperr.ErrInvalidSignature) {
		if h.logger != nil {
			h.logger.Warn("webhook rejected: bad signature", "remote", c.ClientIP())
		}
		apperr.Respond(c, h.logger, err)
		return
	}
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}
