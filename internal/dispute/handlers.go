package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/httperr"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. Callers must be identified; the
// admin check for resolve happens in the service.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/dispute", h.Declare)
	r.POST("/sessions/:id/resolve", h.Resolve)
}

// Declare handles POST /v1/sessions/:id/dispute
func (h *Handler) Declare(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req DeclareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "reason is required")
		return
	}
	sess, err := h.service.Declare(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Resolve handles POST /v1/sessions/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "resolution and newStatus are required")
		return
	}
	sess, err := h.service.Resolve(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}
