package bonustask

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/httperr"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/validation"
)

// Handler provides HTTP endpoints for bonus tasks.
type Handler struct {
	service *Service
}

// NewHandler creates a new bonus task handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up bonus task routes. Callers must be identified.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/bonus-tasks", h.Create)
	r.GET("/sessions/:id/bonus-tasks", h.ListBySession)

	r.GET("/bonus-tasks/:id", h.Get)
	r.POST("/bonus-tasks/:id/accept", h.Accept)
	r.POST("/bonus-tasks/:id/reject", h.Reject)
	r.POST("/bonus-tasks/:id/submit", h.Submit)
	r.POST("/bonus-tasks/:id/validate", h.Validate)
	r.POST("/bonus-tasks/:id/reject-submission", h.RejectSubmission)
	r.POST("/bonus-tasks/:id/cancel", h.Cancel)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func respond(c *gin.Context, b *market.BonusTask, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonusTask": b})
}

// Create handles POST /v1/sessions/:id/bonus-tasks
func (h *Handler) Create(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "type, title and reward are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
		validation.Amount("reward", req.Reward.String()),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	b, err := h.service.Create(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bonusTask": b})
}

// ListBySession handles GET /v1/sessions/:id/bonus-tasks
func (h *Handler) ListBySession(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	tasks, err := h.service.ListBySession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if tasks == nil {
		tasks = []*market.BonusTask{}
	}
	c.JSON(http.StatusOK, gin.H{"bonusTasks": tasks, "count": len(tasks)})
}

// Get handles GET /v1/bonus-tasks/:id
func (h *Handler) Get(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	b, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respond(c, b, err)
}

// Accept handles POST /v1/bonus-tasks/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	b, err := h.service.Accept(c.Request.Context(), actor, c.Param("id"))
	respond(c, b, err)
}

// Reject handles POST /v1/bonus-tasks/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	b, err := h.service.Reject(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respond(c, b, err)
}

// Submit handles POST /v1/bonus-tasks/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "urls is required")
		return
	}
	checks := make([]func() *validation.ValidationError, 0, len(req.URLs))
	for _, u := range req.URLs {
		checks = append(checks, validation.URL("urls", u))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	b, err := h.service.Submit(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, b, err)
}

// Validate handles POST /v1/bonus-tasks/:id/validate
func (h *Handler) Validate(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	b, err := h.service.Validate(c.Request.Context(), actor, c.Param("id"))
	respond(c, b, err)
}

// RejectSubmission handles POST /v1/bonus-tasks/:id/reject-submission
func (h *Handler) RejectSubmission(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	b, err := h.service.RejectSubmission(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respond(c, b, err)
}

// Cancel handles POST /v1/bonus-tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	b, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	respond(c, b, err)
}
