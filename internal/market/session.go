package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a test session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionAccepted   SessionStatus = "ACCEPTED"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionSubmitted  SessionStatus = "SUBMITTED"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionRejected   SessionStatus = "REJECTED"
	SessionCancelled  SessionStatus = "CANCELLED"
	SessionDisputed   SessionStatus = "DISPUTED"
)

// Terminal reports whether no further normal transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionRejected, SessionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionAccepted, SessionInProgress, SessionSubmitted,
		SessionCompleted, SessionRejected, SessionCancelled, SessionDisputed:
		return true
	}
	return false
}

// Session is one tester's engagement with one campaign offer.
type Session struct {
	ID                 string        `json:"id"`
	CampaignID         string        `json:"campaignId"`
	OfferID            string        `json:"offerId"`
	ProductID          string        `json:"productId"`
	TesterID           string        `json:"testerId"`
	SellerID           string        `json:"sellerId"`
	Status             SessionStatus `json:"status"`
	ApplicationMessage string        `json:"applicationMessage,omitempty"`

	// SlotHeld is true while the session occupies one campaign slot.
	SlotHeld bool `json:"slotHeld"`

	PurchasePrice         decimal.NullDecimal `json:"purchasePrice"`
	PurchaseProofURL      string              `json:"purchaseProofUrl,omitempty"`
	ValidatedProductPrice decimal.NullDecimal `json:"validatedProductPrice"`
	SubmissionNote        string              `json:"submissionNote,omitempty"`
	Rating                *int                `json:"rating,omitempty"`
	SellerFeedback        string              `json:"sellerFeedback,omitempty"`
	RejectionReason       string              `json:"rejectionReason,omitempty"`
	CancellationReason    string              `json:"cancellationReason,omitempty"`

	Dispute *Dispute `json:"dispute,omitempty"`

	AppliedAt           time.Time  `json:"appliedAt"`
	AcceptedAt          *time.Time `json:"acceptedAt,omitempty"`
	PurchaseSubmittedAt *time.Time `json:"purchaseSubmittedAt,omitempty"`
	PurchaseValidatedAt *time.Time `json:"purchaseValidatedAt,omitempty"`
	SubmittedAt         *time.Time `json:"submittedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	RejectedAt          *time.Time `json:"rejectedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`

	Version int64 `json:"version"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Rating != nil {
		r := *s.Rating
		cp.Rating = &r
	}
	if s.Dispute != nil {
		d := *s.Dispute
		cp.Dispute = &d
	}
	return &cp
}

// Party reports whether userID is the session's tester or seller.
func (s *Session) Party(userID string) bool {
	return userID == s.TesterID || userID == s.SellerID
}

// Dispute is the admin-mediated freeze of a session.
type Dispute struct {
	Reason         string        `json:"reason"`
	RaisedBy       string        `json:"raisedBy"`
	RaisedAt       time.Time     `json:"raisedAt"`
	PreviousStatus SessionStatus `json:"previousStatus"`
	Resolution     string        `json:"resolution,omitempty"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	ResolvedStatus SessionStatus `json:"resolvedStatus,omitempty"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
}

// SessionFilter narrows session listings. Empty fields match everything.
type SessionFilter struct {
	CampaignID string
	TesterID   string
	SellerID   string
	Status     SessionStatus
	Limit      int
}
