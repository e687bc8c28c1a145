package escrow

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up escrow routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)

	byID := r.Group("/escrows/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetEscrow)
	byID.GET("/events", h.ListEvents)
	byID.POST("/fund", h.action((*Service).Fund))
	byID.POST("/cancel", h.action((*Service).Cancel))
	byID.POST("/accept", h.action((*Service).Accept))
	byID.POST("/start", h.action((*Service).Start))
	byID.POST("/submit", h.action((*Service).Submit))
	byID.POST("/release", h.action((*Service).Release))
	byID.POST("/dispute", h.DisputeEscrow)
}

// RegisterAdminRoutes sets up admin escrow routes. The group must require
// the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.AdminListEscrows)
	byID := r.Group("/escrows/:id", validation.IDParamMiddleware())
	byID.POST("/resolve", h.ResolveEscrow)
	byID.POST("/refund", h.RefundEscrow)
}

// ActorFrom converts an authenticated identity into an escrow actor.
func ActorFrom(id auth.Identity) Actor {
	return Actor{ID: id.OwnerID, Email: id.Email, Admin: id.IsAdmin()}
}

func currentActor(c *gin.Context) Actor {
	id, _ := auth.CurrentIdentity(c)
	return ActorFrom(id)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "vendorEmail, title, and amount are required")
		return
	}
	e, err := h.service.Create(c.Request.Context(), currentActor(c), req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows?cursor=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	page, err := h.service.List(c.Request.Context(), currentActor(c), cursor, pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "next": Next(e.Status)})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// action adapts a body-less transition to a handler.
func (h *Handler) action(op func(*Service, context.Context, Actor, string) (*Escrow, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := op(h.service, c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			apperr.Respond(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	}
}

// DisputeRequest is the body of POST /v1/escrows/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "reason is required")
		return
	}
	e, err := h.service.Dispute(c.Request.Context(), currentActor(c), c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AdminListEscrows handles GET /v1/admin/escrows?status=&cursor=&limit=
func (h *Handler) AdminListEscrows(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	page, err := h.service.AdminList(c.Request.Context(), currentActor(c), Status(c.Query("status")), cursor, pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ResolveRequest is the body of POST /v1/admin/escrows/:id/resolve.
type ResolveRequest struct {
	Resolution Status `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// ResolveEscrow handles POST /v1/admin/escrows/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "resolution is required")
		return
	}
	e, err := h.service.Resolve(c.Request.Context(), currentActor(c), c.Param("id"), req.Resolution, req.Note)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/admin/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)
	e, err := h.service.Refund(c.Request.Context(), currentActor(c), c.Param("id"), req.Note)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
