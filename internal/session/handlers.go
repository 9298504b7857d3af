package session

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/httperr"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/validation"
)

// Handler provides HTTP endpoints for test sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session routes. Callers must be identified.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/campaigns/:id/apply", h.Apply)
	r.GET("/campaigns/:id/stats", h.CampaignStats)

	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/accept", h.Accept)
	r.POST("/sessions/:id/reject", h.Reject)
	r.POST("/sessions/:id/purchase", h.SubmitPurchase)
	r.POST("/sessions/:id/validate-purchase", h.ValidatePurchase)
	r.POST("/sessions/:id/submit", h.SubmitTest)
	r.POST("/sessions/:id/validate", h.ValidateTest)
	r.POST("/sessions/:id/cancel", h.Cancel)
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// NoteRequest carries the tester's submission note.
type NoteRequest struct {
	Note string `json:"note"`
}

func respond(c *gin.Context, sess *market.Session, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Apply handles POST /v1/campaigns/:id/apply
func (h *Handler) Apply(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ApplyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	if errs := validation.Validate(
		validation.MaxLength("message", req.Message, validation.MaxTextLength),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	sess, err := h.service.Apply(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// CampaignStats handles GET /v1/campaigns/:id/stats
func (h *Handler) CampaignStats(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	st, err := h.service.CampaignStats(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// ListSessions handles GET /v1/sessions?campaignId=&status=&limit=
func (h *Handler) ListSessions(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	f := market.SessionFilter{
		CampaignID: c.Query("campaignId"),
		TesterID:   c.Query("testerId"),
		SellerID:   c.Query("sellerId"),
		Status:     market.SessionStatus(c.Query("status")),
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			f.Limit = n
		}
	}
	sessions, err := h.service.List(c.Request.Context(), actor, f)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if sessions == nil {
		sessions = []*market.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	sess, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respond(c, sess, err)
}

// Accept handles POST /v1/sessions/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	sess, err := h.service.Accept(c.Request.Context(), actor, c.Param("id"))
	respond(c, sess, err)
}

// Reject handles POST /v1/sessions/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxTextLength),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	sess, err := h.service.Reject(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respond(c, sess, err)
}

// SubmitPurchase handles POST /v1/sessions/:id/purchase
func (h *Handler) SubmitPurchase(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "price and proofUrl are required")
		return
	}
	if errs := validation.Validate(
		validation.Amount("price", req.Price.String()),
		validation.URL("proofUrl", req.ProofURL),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	sess, err := h.service.SubmitPurchase(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, sess, err)
}

// ValidatePurchase handles POST /v1/sessions/:id/validate-purchase
func (h *Handler) ValidatePurchase(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ValidatePurchaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	sess, err := h.service.ValidatePurchase(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, sess, err)
}

// SubmitTest handles POST /v1/sessions/:id/submit
func (h *Handler) SubmitTest(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req NoteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	if errs := validation.Validate(
		validation.MaxLength("note", req.Note, validation.MaxTextLength),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	sess, err := h.service.SubmitTest(c.Request.Context(), actor, c.Param("id"), req.Note)
	respond(c, sess, err)
}

// ValidateTest handles POST /v1/sessions/:id/validate
func (h *Handler) ValidateTest(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ValidateTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "rating is required")
		return
	}
	if errs := validation.Validate(
		validation.IntRange("rating", req.Rating, 1, 5),
		validation.MaxLength("feedback", req.Feedback, validation.MaxTextLength),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	sess, err := h.service.ValidateTest(c.Request.Context(), actor, c.Param("id"), req)
	respond(c, sess, err)
}

// Cancel handles POST /v1/sessions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	sess, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respond(c, sess, err)
}
