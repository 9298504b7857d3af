package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/httperr"
)

// Handler exposes the sweep to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up routes on an admin-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Run)
	r.GET("/reconcile", h.Last)
}

// Run handles POST /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	res, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Last handles GET /v1/admin/reconcile
func (h *Handler) Last(c *gin.Context) {
	res := h.runner.Last()
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
