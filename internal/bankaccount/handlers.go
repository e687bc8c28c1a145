package bankaccount

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides HTTP endpoints for bank accounts.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a bank account handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up bank account routes. The group must
// require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/bank-accounts", h.ListAccounts)
	r.POST("/bank-accounts", h.CreateAccount)
	byID := r.Group("/bank-accounts/:id", validation.IDParamMiddleware())
	byID.POST("/default", h.SetDefault)
	byID.DELETE("", h.DeleteAccount)
}

// ListAccounts handles GET /v1/bank-accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	accounts, err := h.service.List(c.Request.Context(), id.OwnerID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// CreateAccount handles POST /v1/bank-accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "bankName and accountNumber are required")
		return
	}
	a, err := h.service.Create(c.Request.Context(), id.OwnerID, req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// SetDefault handles POST /v1/bank-accounts/:id/default
func (h *Handler) SetDefault(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	a, err := h.service.SetDefault(c.Request.Context(), id.OwnerID, c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// DeleteAccount handles DELETE /v1/bank-accounts/:id
func (h *Handler) DeleteAccount(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	if err := h.service.Delete(c.Request.Context(), id.OwnerID, c.Param("id")); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
