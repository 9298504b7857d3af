package campaign

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/httperr"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/validation"
)

// Handler provides HTTP endpoints for campaigns.
type Handler struct {
	service *Service
}

// NewHandler creates a new campaign handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up campaign routes. Callers must be identified.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/campaigns", h.ListCampaigns)
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.PATCH("/campaigns/:id", h.UpdateCampaign)
	r.GET("/campaigns/:id/quote", h.QuoteCampaign)
	r.POST("/campaigns/:id/payment", h.StartPayment)
	r.POST("/campaigns/:id/complete", h.CompleteCampaign)
	r.POST("/campaigns/:id/cancel", h.CancelCampaign)
}

// RegisterAdminRoutes sets up payment callbacks. The processor's outcome is
// relayed by an operator or a trusted callback bridge.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:txId/confirm", h.ConfirmPayment)
	r.POST("/payments/:txId/fail", h.FailPayment)
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}

	campaign, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"campaign": campaign})
}

// GetCampaign handles GET /v1/campaigns/:id
func (h *Handler) GetCampaign(c *gin.Context) {
	campaign, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// ListCampaigns handles GET /v1/campaigns?sellerId=
func (h *Handler) ListCampaigns(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	campaigns, err := h.service.List(c.Request.Context(), c.Query("sellerId"), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if campaigns == nil {
		campaigns = []*market.Campaign{}
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns, "count": len(campaigns)})
}

// UpdateCampaign handles PATCH /v1/campaigns/:id
func (h *Handler) UpdateCampaign(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	campaign, err := h.service.Update(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// QuoteCampaign handles GET /v1/campaigns/:id/quote
func (h *Handler) QuoteCampaign(c *gin.Context) {
	campaign, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	q := h.service.Quote(campaign)
	c.JSON(http.StatusOK, gin.H{
		"productsAmount":     money.Format(q.ProductsAmount),
		"rate":               q.Rate.String(),
		"platformCommission": money.Format(q.PlatformCommission),
		"totalCharge":        money.Format(q.TotalCharge),
	})
}

// StartPayment handles POST /v1/campaigns/:id/payment
func (h *Handler) StartPayment(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	res, err := h.service.StartPayment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// CompleteCampaign handles POST /v1/campaigns/:id/complete
func (h *Handler) CompleteCampaign(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	campaign, err := h.service.Complete(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// CancelCampaign handles POST /v1/campaigns/:id/cancel
func (h *Handler) CancelCampaign(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	campaign, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// ConfirmPayment handles POST /v1/admin/payments/:txId/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	campaign, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("txId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// FailPayment handles POST /v1/admin/payments/:txId/fail
func (h *Handler) FailPayment(c *gin.Context) {
	campaign, err := h.service.FailPayment(c.Request.Context(), c.Param("txId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}
