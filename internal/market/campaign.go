package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft          CampaignStatus = "DRAFT"
	CampaignPendingPayment CampaignStatus = "PENDING_PAYMENT"
	CampaignActive         CampaignStatus = "ACTIVE"
	CampaignCompleted      CampaignStatus = "COMPLETED"
	CampaignCancelled      CampaignStatus = "CANCELLED"
)

// Campaign is a seller-funded batch of test slots.
// Invariant: 0 <= AvailableSlots <= TotalSlots.
type Campaign struct {
	ID             string         `json:"id"`
	SellerID       string         `json:"sellerId"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         CampaignStatus `json:"status"`
	TotalSlots     int            `json:"totalSlots"`
	AvailableSlots int            `json:"availableSlots"`
	StartDate      *time.Time     `json:"startDate,omitempty"`
	EndDate        *time.Time     `json:"endDate,omitempty"`
	PaymentTxID    string         `json:"paymentTxId,omitempty"`
	Offers         []*Offer       `json:"offers"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy including offers.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Offers = make([]*Offer, len(c.Offers))
	for i, o := range c.Offers {
		oc := *o
		cp.Offers[i] = &oc
	}
	return &cp
}

// Offer returns the campaign offer with the given id.
func (c *Campaign) Offer(id string) (*Offer, bool) {
	for _, o := range c.Offers {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// AcceptsApplications reports whether testers may apply right now.
func (c *Campaign) AcceptsApplications(now time.Time) bool {
	if c.Status != CampaignActive {
		return false
	}
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return false
	}
	return true
}

// Offer is the campaign's terms for one product. Immutable once the campaign
// is ACTIVE.
type Offer struct {
	ID                 string              `json:"id"`
	CampaignID         string              `json:"campaignId"`
	ProductID          string              `json:"productId"`
	ProductName        string              `json:"productName"`
	ExpectedPrice      decimal.Decimal     `json:"expectedPrice"`
	ShippingCost       decimal.Decimal     `json:"shippingCost"`
	Bonus              decimal.Decimal     `json:"bonus"`
	ReimbursedPrice    bool                `json:"reimbursedPrice"`
	ReimbursedShipping bool                `json:"reimbursedShipping"`
	MaxReimbursedPrice decimal.NullDecimal `json:"maxReimbursedPrice"`
	Quantity           int                 `json:"quantity"`
}

// SlotAmount is what one filled slot costs the seller before commission.
func (o *Offer) SlotAmount() decimal.Decimal {
	return o.ExpectedPrice.Add(o.ShippingCost).Add(o.Bonus).Mul(decimal.NewFromInt(int64(o.Quantity)))
}
