// Package campaign manages seller campaigns and their funding.
//
// Flow:
//  1. Seller creates a DRAFT campaign with offers and a slot count.
//  2. StartPayment prices every slot, asks the processor for a charge and
//     records a PENDING CAMPAIGN_PAYMENT on the seller wallet.
//  3. ConfirmPayment (processor callback) completes the payment and
//     activates the campaign; FailPayment returns it to DRAFT.
//  4. Complete or Cancel end the campaign. Unfilled slots of a funded
//     campaign are refunded to the seller.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/payments"
	"github.com/prooflab/prooflab/internal/retry"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/traces"
)

const (
	maxSlots  = 10000
	maxOffers = 20
)

// OfferInput describes one offer of a new or edited campaign.
type OfferInput struct {
	ProductID          string              `json:"productId" binding:"required"`
	ProductName        string              `json:"productName"`
	ExpectedPrice      decimal.Decimal     `json:"expectedPrice"`
	ShippingCost       decimal.Decimal     `json:"shippingCost"`
	Bonus              decimal.Decimal     `json:"bonus"`
	ReimbursedPrice    bool                `json:"reimbursedPrice"`
	ReimbursedShipping bool                `json:"reimbursedShipping"`
	MaxReimbursedPrice decimal.NullDecimal `json:"maxReimbursedPrice"`
	Quantity           int                 `json:"quantity"`
}

// CreateRequest contains the parameters for creating a campaign.
type CreateRequest struct {
	Title       string       `json:"title" binding:"required"`
	Description string       `json:"description"`
	TotalSlots  int          `json:"totalSlots" binding:"required"`
	StartDate   *time.Time   `json:"startDate"`
	EndDate     *time.Time   `json:"endDate"`
	Offers      []OfferInput `json:"offers" binding:"required"`
}

// UpdateRequest edits a DRAFT campaign. Nil fields are left unchanged.
type UpdateRequest struct {
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	StartDate   *time.Time   `json:"startDate"`
	EndDate     *time.Time   `json:"endDate"`
	Offers      []OfferInput `json:"offers"`
}

// PaymentResult is returned by StartPayment.
type PaymentResult struct {
	Campaign    *market.Campaign    `json:"campaign"`
	Transaction *market.Transaction `json:"transaction"`
	Charge      *payments.Charge    `json:"charge"`
}

// Service implements campaign business logic.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	processor payments.Processor
	currency  string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new campaign service.
func NewService(s store.Store, l *ledger.Ledger, p payments.Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		ledger:    l,
		processor: p,
		currency:  "EUR",
		logger:    logger,
		now:       time.Now,
	}
}

// WithCurrency sets the currency charged to sellers.
func (s *Service) WithCurrency(currency string) *Service {
	s.currency = currency
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create creates a DRAFT campaign owned by the seller.
func (s *Service) Create(ctx context.Context, actor market.Actor, req CreateRequest) (c *market.Campaign, err error) {
	ctx, span := traces.StartSpan(ctx, "campaign.Create", traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if err := actor.Require("create campaign", market.RoleSeller, ""); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, market.Invalid("title", "required")
	}
	if req.TotalSlots < 1 || req.TotalSlots > maxSlots {
		return nil, market.Invalid("totalSlots", fmt.Sprintf("must be between 1 and %d", maxSlots))
	}
	if err := checkDates(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}

	now := s.timestamp()
	c = &market.Campaign{
		ID:             idgen.WithPrefix(idgen.Campaign),
		SellerID:       actor.ID,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Status:         market.CampaignDraft,
		TotalSlots:     req.TotalSlots,
		AvailableSlots: req.TotalSlots,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.Offers, err = buildOffers(c.ID, req.Offers); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCampaign(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign created", "campaignId", c.ID, "sellerId", c.SellerID, "slots", c.TotalSlots)
	return c, nil
}

func checkDates(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return market.Invalid("endDate", "must be after startDate")
	}
	return nil
}

func buildOffers(campaignID string, in []OfferInput) ([]*market.Offer, error) {
	if len(in) == 0 {
		return nil, market.Invalid("offers", "at least one offer is required")
	}
	if len(in) > maxOffers {
		return nil, market.Invalid("offers", fmt.Sprintf("at most %d offers", maxOffers))
	}
	out := make([]*market.Offer, 0, len(in))
	for i, o := range in {
		field := fmt.Sprintf("offers[%d]", i)
		if strings.TrimSpace(o.ProductID) == "" {
			return nil, market.Invalid(field+".productId", "required")
		}
		if err := checkAmount(field+".expectedPrice", o.ExpectedPrice); err != nil {
			return nil, err
		}
		if err := checkAmount(field+".shippingCost", o.ShippingCost); err != nil {
			return nil, err
		}
		if err := checkAmount(field+".bonus", o.Bonus); err != nil {
			return nil, err
		}
		if o.MaxReimbursedPrice.Valid {
			if err := checkAmount(field+".maxReimbursedPrice", o.MaxReimbursedPrice.Decimal); err != nil {
				return nil, err
			}
		}
		qty := o.Quantity
		if qty == 0 {
			qty = 1
		}
		if qty < 0 || qty > 100 {
			return nil, market.Invalid(field+".quantity", "must be between 1 and 100")
		}
		out = append(out, &market.Offer{
			ID:                 idgen.WithPrefix(idgen.Offer),
			CampaignID:         campaignID,
			ProductID:          o.ProductID,
			ProductName:        o.ProductName,
			ExpectedPrice:      o.ExpectedPrice,
			ShippingCost:       o.ShippingCost,
			Bonus:              o.Bonus,
			ReimbursedPrice:    o.ReimbursedPrice,
			ReimbursedShipping: o.ReimbursedShipping,
			MaxReimbursedPrice: o.MaxReimbursedPrice,
			Quantity:           qty,
		})
	}
	return out, nil
}

func checkAmount(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return market.Invalid(field, "must not be negative")
	}
	if !money.Round(v).Equal(v) {
		return market.Invalid(field, "at most 2 decimal places")
	}
	return nil
}

// Get returns a campaign by ID.
func (s *Service) Get(ctx context.Context, id string) (*market.Campaign, error) {
	var c *market.Campaign
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.GetCampaign(ctx, id)
		return err
	})
	return c, err
}

// List returns campaigns, newest first. An empty sellerID lists all sellers.
func (s *Service) List(ctx context.Context, sellerID string, limit int) ([]*market.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*market.Campaign
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListCampaigns(ctx, sellerID, limit)
		return err
	})
	return out, err
}

// Update edits a DRAFT campaign. Offers are frozen once payment starts.
func (s *Service) Update(ctx context.Context, actor market.Actor, id string, req UpdateRequest) (c *market.Campaign, err error) {
	ctx, span := traces.StartSpan(ctx, "campaign.Update", traces.CampaignID(id), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err = tx.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.Require("update campaign", market.RoleSeller, c.SellerID); err != nil {
			return err
		}
		if err := requireStatus("update campaign", c, market.CampaignDraft); err != nil {
			return err
		}
		if req.Title != nil {
			if strings.TrimSpace(*req.Title) == "" {
				return market.Invalid("title", "required")
			}
			c.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			c.Description = *req.Description
		}
		if req.StartDate != nil {
			c.StartDate = req.StartDate
		}
		if req.EndDate != nil {
			c.EndDate = req.EndDate
		}
		if err := checkDates(c.StartDate, c.EndDate); err != nil {
			return err
		}
		if req.Offers != nil {
			offers, err := buildOffers(c.ID, req.Offers)
			if err != nil {
				return err
			}
			c.Offers = offers
		}
		c.UpdatedAt = s.timestamp()
		return tx.UpdateCampaign(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SlotAmount is what one slot costs the seller before commission: every
// offer's price, shipping and bonus times its quantity.
func SlotAmount(c *market.Campaign) decimal.Decimal {
	total := decimal.Zero
	for _, o := range c.Offers {
		total = total.Add(o.SlotAmount())
	}
	return money.Round(total)
}

// ProductsAmount is the pre-commission amount for all slots.
func ProductsAmount(c *market.Campaign) decimal.Decimal {
	return SlotAmount(c).Mul(decimal.NewFromInt(int64(c.TotalSlots)))
}

// Quote returns the charge breakdown the seller would pay for c.
func (s *Service) Quote(c *market.Campaign) market.ChargeBreakdown {
	return s.ledger.Calculator().SplitCampaignPayment(ProductsAmount(c))
}

// StartPayment asks the processor for the campaign charge and records it
// as a PENDING CAMPAIGN_PAYMENT. The processor call happens outside the
// unit of work; its idempotency key is tied to the campaign version so a
// retried request reuses the same charge.
func (s *Service) StartPayment(ctx context.Context, actor market.Actor, id string) (res *PaymentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "campaign.StartPayment", traces.CampaignID(id), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	var c *market.Campaign
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err = tx.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.Require("pay campaign", market.RoleSeller, c.SellerID); err != nil {
			return err
		}
		return requireStatus("pay campaign", c, market.CampaignDraft)
	})
	if err != nil {
		return nil, err
	}

	breakdown := s.Quote(c)
	if !breakdown.TotalCharge.IsPositive() {
		return nil, market.Invalid("offers", "campaign has nothing to charge")
	}

	charge, err := s.processor.CreateCharge(ctx, payments.ChargeRequest{
		Amount:         breakdown.TotalCharge,
		Currency:       s.currency,
		Description:    fmt.Sprintf("Campaign %s (%d slots)", c.Title, c.TotalSlots),
		IdempotencyKey: fmt.Sprintf("%s:%d", c.ID, c.Version),
		Metadata:       map[string]string{"campaign_id": c.ID, "seller_id": c.SellerID},
	})
	if err != nil {
		s.logger.Warn("campaign charge failed", "campaignId", c.ID, "processor", s.processor.Name(), "error", err)
		return nil, fmt.Errorf("create charge: %w", err)
	}

	res = &PaymentResult{Charge: charge}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if cur.Version != c.Version {
			return fmt.Errorf("%w: campaign %s changed while charging", market.ErrConflict, id)
		}
		if err := requireStatus("pay campaign", cur, market.CampaignDraft); err != nil {
			return err
		}
		b := breakdown
		t, err := s.ledger.Post(ctx, tx, ledger.Entry{
			UserID: cur.SellerID,
			Type:   market.TxCampaignPayment,
			Amount: b.TotalCharge,
			Status: market.TxPending,
			Key:    market.IdempotencyKey(charge.ID, market.TxCampaignPayment),
			Metadata: market.Metadata{
				CampaignID:  cur.ID,
				ExternalRef: charge.ID,
				Description: "campaign funding via " + s.processor.Name(),
				Charge:      &b,
			},
		})
		if err != nil {
			return err
		}
		cur.Status = market.CampaignPendingPayment
		cur.PaymentTxID = t.ID
		cur.UpdatedAt = s.timestamp()
		if err := tx.UpdateCampaign(ctx, cur); err != nil {
			return err
		}
		res.Campaign = cur
		res.Transaction = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign payment started",
		"campaignId", id, "chargeId", charge.ID, "txId", res.Transaction.ID,
		"total", money.Format(breakdown.TotalCharge), "commission", money.Format(breakdown.PlatformCommission))
	return res, nil
}

// ConfirmPayment completes the campaign payment, credits the platform
// commission and activates the campaign. Confirming twice is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, txID string) (*market.Campaign, error) {
	return s.settlePayment(ctx, txID, market.TxCompleted)
}

// FailPayment marks the payment FAILED and returns the campaign to DRAFT.
func (s *Service) FailPayment(ctx context.Context, txID string) (*market.Campaign, error) {
	return s.settlePayment(ctx, txID, market.TxFailed)
}

func (s *Service) settlePayment(ctx context.Context, txID string, status market.TransactionStatus) (c *market.Campaign, err error) {
	ctx, span := traces.StartSpan(ctx, "campaign.SettlePayment", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	err = retry.DoIf(ctx, 3, 20*time.Millisecond, retry.On(market.ErrConflict), func() error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			c, err = s.settlePaymentTx(ctx, tx, txID, status)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign payment settled", "campaignId", c.ID, "txId", txID, "status", status, "campaignStatus", c.Status)
	return c, nil
}

func (s *Service) settlePaymentTx(ctx context.Context, tx store.Tx, txID string, status market.TransactionStatus) (*market.Campaign, error) {
	t, err := tx.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Type != market.TxCampaignPayment {
		return nil, market.Invalid("txId", "not a campaign payment")
	}
	c, err := tx.GetCampaign(ctx, t.Metadata.CampaignID)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return c, nil
	}
	if _, err := s.ledger.SettleTx(ctx, tx, txID, status); err != nil {
		return nil, err
	}

	if status == market.TxFailed {
		if c.Status == market.CampaignPendingPayment && c.PaymentTxID == txID {
			c.Status = market.CampaignDraft
			c.PaymentTxID = ""
			c.UpdatedAt = s.timestamp()
			if err := tx.UpdateCampaign(ctx, c); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	if t.Metadata.Charge != nil && t.Metadata.Charge.PlatformCommission.IsPositive() {
		if _, err := s.ledger.Post(ctx, tx, ledger.Entry{
			UserID: s.ledger.PlatformUserID(),
			Type:   market.TxCommission,
			Amount: t.Metadata.Charge.PlatformCommission,
			Key:    market.IdempotencyKey(txID, market.TxCommission),
			Metadata: market.Metadata{
				CampaignID:  c.ID,
				ExternalRef: t.Metadata.ExternalRef,
				Description: "commission on campaign payment " + txID,
			},
		}); err != nil {
			return nil, err
		}
	}

	switch {
	case c.Status == market.CampaignPendingPayment && c.PaymentTxID == txID:
		c.Status = market.CampaignActive
		c.UpdatedAt = s.timestamp()
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return nil, err
		}
		metrics.SlotsAvailable.WithLabelValues(c.ID).Set(float64(c.AvailableSlots))
	case c.Status == market.CampaignCancelled:
		// Paid after the seller gave up: refund everything.
		if err := s.refundSlots(ctx, tx, c, c.TotalSlots, c.ID); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Complete ends an ACTIVE campaign.
func (s *Service) Complete(ctx context.Context, actor market.Actor, id string) (*market.Campaign, error) {
	return s.finish(ctx, actor, id, "complete campaign", market.CampaignCompleted, market.CampaignActive)
}

// Cancel withdraws a campaign that is not finished yet.
func (s *Service) Cancel(ctx context.Context, actor market.Actor, id string) (*market.Campaign, error) {
	return s.finish(ctx, actor, id, "cancel campaign", market.CampaignCancelled,
		market.CampaignDraft, market.CampaignPendingPayment, market.CampaignActive)
}

func (s *Service) finish(ctx context.Context, actor market.Actor, id, op string, to market.CampaignStatus, from ...market.CampaignStatus) (c *market.Campaign, err error) {
	ctx, span := traces.StartSpan(ctx, "campaign.Finish", traces.CampaignID(id), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err = tx.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if actor.Role != market.RoleAdmin {
			if err := actor.Require(op, market.RoleSeller, c.SellerID); err != nil {
				return err
			}
		}
		if err := requireStatus(op, c, from...); err != nil {
			return err
		}
		wasActive := c.Status == market.CampaignActive
		c.Status = to
		c.UpdatedAt = s.timestamp()
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		if wasActive && c.AvailableSlots > 0 {
			return s.refundSlots(ctx, tx, c, c.AvailableSlots, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign finished", "campaignId", id, "status", to)
	return c, nil
}

func (s *Service) refundSlots(ctx context.Context, tx store.Tx, c *market.Campaign, slots int, ref string) error {
	amount := SlotAmount(c).Mul(decimal.NewFromInt(int64(slots)))
	if !amount.IsPositive() {
		return nil
	}
	_, err := s.ledger.Post(ctx, tx, ledger.Entry{
		UserID: c.SellerID,
		Type:   market.TxCampaignRefund,
		Amount: amount,
		Key:    market.IdempotencyKey(ref, market.TxCampaignRefund),
		Metadata: market.Metadata{
			CampaignID:  c.ID,
			Description: fmt.Sprintf("refund of %d unused slots", slots),
		},
	})
	return err
}

// ReleaseSlotTx gives back the slot a session held. While the campaign is
// ACTIVE the slot returns to the pool; once the campaign has ended the
// slot's share is refunded to the seller, keyed on the session so it is
// paid once.
func ReleaseSlotTx(ctx context.Context, tx store.Tx, l *ledger.Ledger, c *market.Campaign, sessionID string) error {
	if c.Status == market.CampaignActive {
		available, err := tx.ReleaseSlot(ctx, c.ID)
		if err != nil {
			return err
		}
		metrics.SlotsAvailable.WithLabelValues(c.ID).Set(float64(available))
		return nil
	}
	if c.PaymentTxID == "" {
		return nil
	}
	payment, err := tx.GetTransaction(ctx, c.PaymentTxID)
	if errors.Is(err, market.ErrNotFound) || (err == nil && payment.Status != market.TxCompleted) {
		return nil
	}
	if err != nil {
		return err
	}
	amount := SlotAmount(c)
	if !amount.IsPositive() {
		return nil
	}
	_, err = l.Post(ctx, tx, ledger.Entry{
		UserID: c.SellerID,
		Type:   market.TxCampaignRefund,
		Amount: amount,
		Key:    market.IdempotencyKey(sessionID, market.TxCampaignRefund),
		Metadata: market.Metadata{
			CampaignID:  c.ID,
			SessionID:   sessionID,
			Description: "refund of released slot",
		},
	})
	return err
}

func requireStatus(op string, c *market.Campaign, allowed ...market.CampaignStatus) error {
	for _, st := range allowed {
		if c.Status == st {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, st := range allowed {
		names[i] = string(st)
	}
	return &market.TransitionError{Op: op, Current: string(c.Status), Allowed: names}
}
