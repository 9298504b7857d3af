package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// BonusTaskType is the kind of add-on activity requested.
type BonusTaskType string

const (
	BonusUnboxingPhoto  BonusTaskType = "UNBOXING_PHOTO"
	BonusUGCVideo       BonusTaskType = "UGC_VIDEO"
	BonusExternalReview BonusTaskType = "EXTERNAL_REVIEW"
	BonusTip            BonusTaskType = "TIP"
	BonusCustom         BonusTaskType = "CUSTOM"
)

// Valid reports whether t is a known type.
func (t BonusTaskType) Valid() bool {
	switch t {
	case BonusUnboxingPhoto, BonusUGCVideo, BonusExternalReview, BonusTip, BonusCustom:
		return true
	}
	return false
}

// BonusTaskStatus is the lifecycle state of a bonus task.
type BonusTaskStatus string

const (
	BonusRequested BonusTaskStatus = "REQUESTED"
	BonusAccepted  BonusTaskStatus = "ACCEPTED"
	BonusRejected  BonusTaskStatus = "REJECTED"
	BonusSubmitted BonusTaskStatus = "SUBMITTED"
	BonusValidated BonusTaskStatus = "VALIDATED"
	BonusCancelled BonusTaskStatus = "CANCELLED"
)

// Terminal reports whether the task can no longer change.
func (s BonusTaskStatus) Terminal() bool {
	switch s {
	case BonusRejected, BonusValidated, BonusCancelled:
		return true
	}
	return false
}

// BonusTask is a paid add-on attached to a session. It has its own lifecycle
// and shares the session only for authorization.
type BonusTask struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	CampaignID      string          `json:"campaignId"`
	TesterID        string          `json:"testerId"`
	SellerID        string          `json:"sellerId"`
	Type            BonusTaskType   `json:"type"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Reward          decimal.Decimal `json:"reward"`
	Status          BonusTaskStatus `json:"status"`
	SubmissionURLs  []string        `json:"submissionUrls,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`

	RequestedAt time.Time  `json:"requestedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	RejectedAt  *time.Time `json:"rejectedAt,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (b *BonusTask) Clone() *BonusTask {
	cp := *b
	if b.SubmissionURLs != nil {
		cp.SubmissionURLs = make([]string, len(b.SubmissionURLs))
		copy(cp.SubmissionURLs, b.SubmissionURLs)
	}
	return &cp
}
