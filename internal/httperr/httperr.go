// Package httperr renders service errors as JSON responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/logging"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/validation"
)

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, market.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, market.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, market.ErrPriceOutOfRange):
		return http.StatusUnprocessableEntity, "price_out_of_range"
	case errors.Is(err, market.ErrSlotsExhausted):
		return http.StatusConflict, "slots_exhausted"
	case errors.Is(err, market.ErrAlreadyApplied):
		return http.StatusConflict, "already_applied"
	case errors.Is(err, market.ErrConflict):
		return http.StatusConflict, "conflict_retryable"
	case errors.Is(err, market.ErrLedgerIntegrity):
		return http.StatusInternalServerError, "ledger_integrity_error"
	case errors.Is(err, market.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, market.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, market.ErrUpstream):
		return http.StatusBadGateway, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// Write renders err. Details carry the price bounds for out-of-range
// prices, the current and required states for rejected transitions, and
// the required role for forbidden operations.
func Write(c *gin.Context, err error) {
	status, code := Status(err)
	if code != "internal_error" && code != "conflict_retryable" {
		metrics.RejectedOperationsTotal.WithLabelValues(code).Inc()
	}

	body := gin.H{"error": code, "message": err.Error()}
	if d := details(err); d != nil {
		body["details"] = d
	}

	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "error", err, "code", code)
		if code == "internal_error" {
			body["message"] = "Internal error"
		}
	}
	c.JSON(status, body)
}

func details(err error) gin.H {
	var pr *market.PriceOutOfRangeError
	if errors.As(err, &pr) {
		return gin.H{"min": money.Format(pr.Min), "max": money.Format(pr.Max), "price": money.Format(pr.Price)}
	}
	var tr *market.TransitionError
	if errors.As(err, &tr) {
		return gin.H{"op": tr.Op, "current": tr.Current, "allowed": tr.Allowed}
	}
	var fe *market.ForbiddenError
	if errors.As(err, &fe) {
		return gin.H{"op": fe.Op, "role": fe.Role, "requiredRole": fe.Required}
	}
	var ie *market.InputError
	if errors.As(err, &ie) {
		return gin.H{"field": ie.Field}
	}
	return nil
}

// Validation renders boundary validation failures.
func Validation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// BadRequest renders a malformed request body.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
