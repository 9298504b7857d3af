package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPriceOutOfRange   = errors.New("price out of range")
	ErrSlotsExhausted    = errors.New("campaign has no available slots")
	ErrAlreadyApplied    = errors.New("tester already applied to this campaign")
	ErrConflict          = errors.New("concurrent modification, retry")
	ErrLedgerIntegrity   = errors.New("ledger integrity violation")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPaymentDeclined   = errors.New("payment declined")
	ErrUpstream          = errors.New("upstream service unavailable")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// TransitionError is returned when the current status does not allow an
// operation. Allowed lists the statuses the operation requires.
type TransitionError struct {
	Op      string   `json:"op"`
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed from %s (requires %s)", e.Op, e.Current, strings.Join(e.Allowed, "|"))
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ForbiddenError is returned when the actor's role or ownership does not
// permit the operation.
type ForbiddenError struct {
	Op       string `json:"op"`
	Role     Role   `json:"role"`
	Required Role   `json:"required"`
	// Owner is the user allowed to act when ownership, not role, failed.
	Owner  string `json:"owner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e *ForbiddenError) Error() string {
	msg := fmt.Sprintf("%s requires role %s, actor has %s", e.Op, e.Required, e.Role)
	if e.Owner != "" {
		msg += " (owner " + e.Owner + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// PriceOutOfRangeError carries the accepted bounds for a rejected price.
type PriceOutOfRangeError struct {
	Price decimal.Decimal `json:"price"`
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
}

func (e *PriceOutOfRangeError) Error() string {
	return fmt.Sprintf("price %s outside accepted range [%s, %s]",
		e.Price.StringFixed(2), e.Min.StringFixed(2), e.Max.StringFixed(2))
}

func (e *PriceOutOfRangeError) Unwrap() error { return ErrPriceOutOfRange }

// IntegrityError reports an amount reconciliation mismatch. It must halt the
// triggering operation.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "ledger integrity violation: " + e.Detail
}

func (e *IntegrityError) Unwrap() error { return ErrLedgerIntegrity }

// Integrity builds an IntegrityError.
func Integrity(format string, args ...any) error {
	return &IntegrityError{Detail: fmt.Sprintf(format, args...)}
}

// InputError reports a boundary validation failure on a named field.
type InputError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *InputError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Invalid builds an InputError.
func Invalid(field, message string) error {
	return &InputError{Field: field, Message: message}
}
