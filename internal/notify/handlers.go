package notify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/pagination"
)

// Handler serves the caller's notification feed.
type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterProtectedRoutes sets up notification routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /v1/notifications?unread=true&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	limit := pagination.Limit(c.Query("limit"))
	ctx := c.Request.Context()

	items, err := h.store.List(ctx, id.OwnerID, c.Query("unread") == "true", cursor, limit+1)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	unread, err := h.store.UnreadCount(ctx, id.OwnerID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	page := pagination.Compute(items, limit, func(n *Notification) (time.Time, string) {
		return n.CreatedAt, n.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"items":      page.Items,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"unread":     unread,
	})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	id, _ := auth.CurrentIdentity(c)
	if err := h.store.MarkRead(c.Request.Context(), id.OwnerID, c.Param("id")); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}
