package ledger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/httperr"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/pagination"
	"github.com/prooflab/prooflab/internal/validation"
)

// Handler provides HTTP endpoints for wallets and transactions
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet routes. The caller may only see its own
// wallet unless it is an admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	w := r.Group("/wallets/:userId", auth.RequireSelfOrAdmin("userId"))
	w.GET("", h.GetWallet)
	w.GET("/transactions", h.ListTransactions)
	w.POST("/withdrawals", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:txId/confirm", h.ConfirmWithdrawal)
	r.POST("/withdrawals/:txId/fail", h.FailWithdrawal)
	r.GET("/wallets/:userId/reconcile", h.Reconcile)
}

// GetWallet handles GET /wallets/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":    w,
		"available": money.Format(w.Available()),
	})
}

// ListTransactions handles GET /wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	typ := c.Query("type")
	status := c.Query("status")
	if errs := validation.Validate(
		validation.OneOf("type", typ,
			string(market.TxCampaignPayment), string(market.TxCredit), string(market.TxDebit),
			string(market.TxCampaignRefund), string(market.TxUGCBonus), string(market.TxWithdrawal),
			string(market.TxCommission)),
		validation.OneOf("status", status,
			string(market.TxPending), string(market.TxCompleted), string(market.TxFailed), string(market.TxRefunded)),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	txs, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("userId"), market.TransactionFilter{
		Type:   market.TransactionType(typ),
		Status: market.TransactionStatus(status),
		Before: cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		httperr.Write(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(txs, limit, func(t *market.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if page == nil {
		page = []*market.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// WithdrawRequest asks for a payout to the user's bank account.
type WithdrawRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Withdraw handles POST /wallets/:userId/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "amount is required")
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, 128),
	); len(errs) > 0 {
		httperr.Validation(c, errs)
		return
	}
	amount, _ := money.Parse(req.Amount)

	tr, err := h.ledger.Withdraw(c.Request.Context(), c.Param("userId"), amount, req.Reference)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"transaction": tr})
}

// ConfirmWithdrawal handles POST /admin/withdrawals/:txId/confirm
func (h *Handler) ConfirmWithdrawal(c *gin.Context) {
	h.settleWithdrawal(c, market.TxCompleted)
}

// FailWithdrawal handles POST /admin/withdrawals/:txId/fail
func (h *Handler) FailWithdrawal(c *gin.Context) {
	h.settleWithdrawal(c, market.TxFailed)
}

func (h *Handler) settleWithdrawal(c *gin.Context, status market.TransactionStatus) {
	ctx := c.Request.Context()
	tr, err := h.ledger.GetTransaction(ctx, c.Param("txId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if tr.Type != market.TxWithdrawal {
		httperr.Write(c, market.Invalid("txId", "not a withdrawal"))
		return
	}
	if status == market.TxCompleted {
		tr, err = h.ledger.Confirm(ctx, tr.ID)
	} else {
		tr, err = h.ledger.Fail(ctx, tr.ID)
	}
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tr})
}

// Reconcile handles GET /admin/wallets/:userId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
