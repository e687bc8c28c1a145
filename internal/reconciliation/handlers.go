package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes on-demand reconciliation to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Run)
}

// Run handles GET /admin/reconcile. Check failures are reported inside the
// body with healthy=false rather than as an error status.
func (h *Handler) Run(c *gin.Context) {
	report, _ := h.runner.RunAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"report": report})
}
