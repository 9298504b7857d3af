// Package session runs the test-session state machine.
//
//	PENDING -> ACCEPTED -> IN_PROGRESS -> SUBMITTED -> COMPLETED
//	PENDING|ACCEPTED -> REJECTED                 (seller)
//	PENDING|ACCEPTED|IN_PROGRESS -> CANCELLED    (tester)
//	any non-terminal -> DISPUTED                 (see package dispute)
//
// Each transition reads the session, checks the actor and the current
// status, then writes the new status together with its slot and ledger
// effects in one unit of work. A session holds one campaign slot from
// application until it is rejected or cancelled.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/campaign"
	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/pricerange"
	"github.com/prooflab/prooflab/internal/retry"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/syncutil"
	"github.com/prooflab/prooflab/internal/traces"
)

// ApplyRequest contains the parameters for applying to a campaign.
type ApplyRequest struct {
	OfferID string `json:"offerId"`
	Message string `json:"message"`
}

// PurchaseRequest records what the tester paid.
type PurchaseRequest struct {
	Price    decimal.Decimal `json:"price"`
	ProofURL string          `json:"proofUrl" binding:"required"`
}

// ValidatePurchaseRequest lets the seller correct the paid price. The
// corrected price must still be inside the accepted range.
type ValidatePurchaseRequest struct {
	Price decimal.NullDecimal `json:"price"`
}

// ValidateTestRequest closes a session with the seller's rating.
type ValidateTestRequest struct {
	Rating   int    `json:"rating" binding:"required"`
	Feedback string `json:"feedback"`
}

// Stats summarizes a campaign's sessions.
type Stats struct {
	CampaignID     string                       `json:"campaignId"`
	TotalSlots     int                          `json:"totalSlots"`
	AvailableSlots int                          `json:"availableSlots"`
	ByStatus       map[market.SessionStatus]int `json:"byStatus"`
	Total          int                          `json:"total"`
}

// Service implements the session state machine.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	policy pricerange.CapPolicy
	logger *slog.Logger
	now    func() time.Time

	// serializes applications per campaign within this process
	applyLocks *syncutil.KeyedLocks
}

// NewService creates a new session service.
func NewService(s store.Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		ledger:     l,
		policy:     pricerange.PolicyCap,
		logger:     logger,
		now:        time.Now,
		applyLocks: syncutil.NewKeyedLocks(),
	}
}

// WithPolicy sets how the reimbursed price is derived.
func (s *Service) WithPolicy(p pricerange.CapPolicy) *Service {
	s.policy = p
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ledger returns the ledger used for payouts.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Apply creates a PENDING session and takes one campaign slot. Concurrent
// applications racing for the last slot are retried so the loser sees
// ErrSlotsExhausted rather than a conflict.
func (s *Service) Apply(ctx context.Context, actor market.Actor, campaignID string, req ApplyRequest) (sess *market.Session, err error) {
	ctx, span := traces.StartSpan(ctx, "session.Apply", traces.CampaignID(campaignID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if err := actor.Require("apply", market.RoleTester, ""); err != nil {
		return nil, err
	}

	unlock, err := s.applyLocks.Lock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var available int
	err = retry.DoIf(ctx, 3, 10*time.Millisecond, retry.On(market.ErrConflict), func() error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			c, err := tx.GetCampaign(ctx, campaignID)
			if err != nil {
				return err
			}
			now := s.timestamp()
			if c.Status != market.CampaignActive {
				return &market.TransitionError{Op: "apply", Current: string(c.Status), Allowed: []string{string(market.CampaignActive)}}
			}
			if !c.AcceptsApplications(now) {
				return market.Invalid("campaignId", "campaign is not open for applications at this time")
			}
			if c.SellerID == actor.ID {
				return &market.ForbiddenError{Op: "apply", Role: actor.Role, Required: market.RoleTester, Reason: "sellers cannot test their own campaign"}
			}
			offer, err := pickOffer(c, req.OfferID)
			if err != nil {
				return err
			}

			sess = &market.Session{
				ID:                 idgen.WithPrefix(idgen.Session),
				CampaignID:         c.ID,
				OfferID:            offer.ID,
				ProductID:          offer.ProductID,
				TesterID:           actor.ID,
				SellerID:           c.SellerID,
				Status:             market.SessionPending,
				ApplicationMessage: strings.TrimSpace(req.Message),
				SlotHeld:           true,
				AppliedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.CreateSession(ctx, sess); err != nil {
				return err
			}
			available, err = tx.ReserveSlot(ctx, c.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.SlotsAvailable.WithLabelValues(campaignID).Set(float64(available))
	s.record("apply", actor, "", sess)
	return sess, nil
}

func pickOffer(c *market.Campaign, offerID string) (*market.Offer, error) {
	if offerID == "" {
		if len(c.Offers) == 1 {
			return c.Offers[0], nil
		}
		return nil, market.Invalid("offerId", "required when the campaign has several offers")
	}
	o, ok := c.Offer(offerID)
	if !ok {
		return nil, market.NotFound("offer", offerID)
	}
	return o, nil
}

// step describes one guarded transition.
type step struct {
	op   string
	role market.Role
	from []market.SessionStatus
	// to is the resulting status. Empty keeps the current status.
	to market.SessionStatus
}

// transition loads the session, checks actor and status, runs apply and
// persists the result in one unit of work.
func (s *Service) transition(ctx context.Context, actor market.Actor, id string, st step,
	apply func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error,
) (sess *market.Session, err error) {
	ctx, span := traces.StartSpan(ctx, "session."+st.op, traces.SessionID(id), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	var from market.SessionStatus
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err = tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(actor, st.op, st.role, sess); err != nil {
			return err
		}
		if err := requireStatus(st.op, sess.Status, st.from...); err != nil {
			return err
		}
		from = sess.Status
		now := s.timestamp()
		if apply != nil {
			if err := apply(ctx, tx, sess, now); err != nil {
				return err
			}
		}
		if st.to != "" {
			sess.Status = st.to
		}
		sess.UpdatedAt = now
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.record(st.op, actor, from, sess)
	return sess, nil
}

func (s *Service) record(op string, actor market.Actor, from market.SessionStatus, sess *market.Session) {
	metrics.SessionTransitionsTotal.WithLabelValues(op, string(sess.Status)).Inc()
	s.logger.Info("session transition",
		"op", op, "sessionId", sess.ID, "campaignId", sess.CampaignID,
		"from", from, "to", sess.Status, "actor", actor.ID, "role", actor.Role)
}

func authorize(actor market.Actor, op string, role market.Role, sess *market.Session) error {
	owner := sess.TesterID
	if role == market.RoleSeller {
		owner = sess.SellerID
	}
	return actor.Require(op, role, owner)
}

func requireStatus(op string, current market.SessionStatus, allowed ...market.SessionStatus) error {
	for _, st := range allowed {
		if current == st {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, st := range allowed {
		names[i] = string(st)
	}
	return &market.TransitionError{Op: op, Current: string(current), Allowed: names}
}

// Accept admits a PENDING applicant.
func (s *Service) Accept(ctx context.Context, actor market.Actor, id string) (*market.Session, error) {
	return s.transition(ctx, actor, id, step{
		op: "accept", role: market.RoleSeller,
		from: []market.SessionStatus{market.SessionPending},
		to:   market.SessionAccepted,
	}, func(_ context.Context, _ store.Tx, sess *market.Session, now time.Time) error {
		sess.AcceptedAt = &now
		return nil
	})
}

// Reject turns an applicant down and gives the slot back.
func (s *Service) Reject(ctx context.Context, actor market.Actor, id, reason string) (*market.Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, market.Invalid("reason", "required")
	}
	return s.transition(ctx, actor, id, step{
		op: "reject", role: market.RoleSeller,
		from: []market.SessionStatus{market.SessionPending, market.SessionAccepted},
		to:   market.SessionRejected,
	}, func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error {
		sess.RejectionReason = reason
		sess.RejectedAt = &now
		return s.ReleaseTx(ctx, tx, sess)
	})
}

// Cancel lets the tester withdraw before submitting the test.
func (s *Service) Cancel(ctx context.Context, actor market.Actor, id, reason string) (*market.Session, error) {
	return s.transition(ctx, actor, id, step{
		op: "cancel", role: market.RoleTester,
		from: []market.SessionStatus{market.SessionPending, market.SessionAccepted, market.SessionInProgress},
		to:   market.SessionCancelled,
	}, func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error {
		sess.CancellationReason = strings.TrimSpace(reason)
		sess.CancelledAt = &now
		return s.ReleaseTx(ctx, tx, sess)
	})
}

// SubmitPurchase records the tester's purchase. The price must fall in the
// offer's accepted range; it is never clamped. The session stays ACCEPTED
// until the seller validates, and the tester may resubmit until then.
func (s *Service) SubmitPurchase(ctx context.Context, actor market.Actor, id string, req PurchaseRequest) (*market.Session, error) {
	if req.Price.IsNegative() {
		return nil, market.Invalid("price", "must not be negative")
	}
	if !money.Round(req.Price).Equal(req.Price) {
		return nil, market.Invalid("price", "at most 2 decimal places")
	}
	if strings.TrimSpace(req.ProofURL) == "" {
		return nil, market.Invalid("proofUrl", "required")
	}
	price := req.Price
	return s.transition(ctx, actor, id, step{
		op: "submit purchase", role: market.RoleTester,
		from: []market.SessionStatus{market.SessionAccepted},
	}, func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error {
		offer, err := s.offer(ctx, tx, sess)
		if err != nil {
			return err
		}
		if err := pricerange.Check(price, offer.ExpectedPrice); err != nil {
			return err
		}
		sess.PurchasePrice = decimal.NewNullDecimal(price)
		sess.PurchaseProofURL = strings.TrimSpace(req.ProofURL)
		sess.PurchaseSubmittedAt = &now
		return nil
	})
}

// ValidatePurchase accepts the tester's purchase and starts the test.
// Nothing is paid yet: reimbursement happens when the test is validated.
func (s *Service) ValidatePurchase(ctx context.Context, actor market.Actor, id string, req ValidatePurchaseRequest) (*market.Session, error) {
	return s.transition(ctx, actor, id, step{
		op: "validate purchase", role: market.RoleSeller,
		from: []market.SessionStatus{market.SessionAccepted},
		to:   market.SessionInProgress,
	}, func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error {
		if !sess.PurchasePrice.Valid {
			return market.Invalid("purchase", "tester has not submitted a purchase")
		}
		price := sess.PurchasePrice.Decimal
		if req.Price.Valid {
			if !money.Round(req.Price.Decimal).Equal(req.Price.Decimal) {
				return market.Invalid("price", "at most 2 decimal places")
			}
			offer, err := s.offer(ctx, tx, sess)
			if err != nil {
				return err
			}
			price = req.Price.Decimal
			if err := pricerange.Check(price, offer.ExpectedPrice); err != nil {
				return err
			}
		}
		sess.ValidatedProductPrice = decimal.NewNullDecimal(price)
		sess.PurchaseValidatedAt = &now
		return nil
	})
}

// SubmitTest hands the finished test to the seller.
func (s *Service) SubmitTest(ctx context.Context, actor market.Actor, id, note string) (*market.Session, error) {
	return s.transition(ctx, actor, id, step{
		op: "submit test", role: market.RoleTester,
		from: []market.SessionStatus{market.SessionInProgress},
		to:   market.SessionSubmitted,
	}, func(_ context.Context, _ store.Tx, sess *market.Session, now time.Time) error {
		sess.SubmissionNote = strings.TrimSpace(note)
		sess.SubmittedAt = &now
		return nil
	})
}

// ValidateTest completes the session and pays the tester reimbursement
// plus bonus, minus commission. This is the only place the base test is
// paid out.
func (s *Service) ValidateTest(ctx context.Context, actor market.Actor, id string, req ValidateTestRequest) (*market.Session, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, market.Invalid("rating", "must be between 1 and 5")
	}
	return s.transition(ctx, actor, id, step{
		op: "validate test", role: market.RoleSeller,
		from: []market.SessionStatus{market.SessionSubmitted},
		to:   market.SessionCompleted,
	}, func(ctx context.Context, tx store.Tx, sess *market.Session, now time.Time) error {
		rating := req.Rating
		sess.Rating = &rating
		sess.SellerFeedback = strings.TrimSpace(req.Feedback)
		sess.CompletedAt = &now
		_, err := s.PayoutTx(ctx, tx, sess)
		return err
	})
}

func (s *Service) offer(ctx context.Context, tx store.Tx, sess *market.Session) (*market.Offer, error) {
	c, err := tx.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		return nil, err
	}
	o, ok := c.Offer(sess.OfferID)
	if !ok {
		return nil, market.Integrity("session %s references missing offer %s", sess.ID, sess.OfferID)
	}
	return o, nil
}

// Breakdown computes the tester payout for sess. The reimbursed price is
// the validated price, else the submitted purchase price, else the offer's
// expected price.
func (s *Service) Breakdown(sess *market.Session, offer *market.Offer) market.PayoutBreakdown {
	paid := offer.ExpectedPrice
	switch {
	case sess.ValidatedProductPrice.Valid:
		paid = sess.ValidatedProductPrice.Decimal
	case sess.PurchasePrice.Valid:
		paid = sess.PurchasePrice.Decimal
	}
	qty := offer.Quantity
	if qty <= 0 {
		qty = 1
	}
	reimbursement := s.policy.Reimbursement(offer, paid)
	bonus := offer.Bonus.Mul(decimal.NewFromInt(int64(qty)))
	return s.ledger.Calculator().SplitTesterCredit(reimbursement, bonus)
}

// PayoutTx credits the tester for a completed session inside tx. It is
// keyed on the session, so calling it again returns the first credit.
func (s *Service) PayoutTx(ctx context.Context, tx store.Tx, sess *market.Session) (*market.Transaction, error) {
	offer, err := s.offer(ctx, tx, sess)
	if err != nil {
		return nil, err
	}
	b := s.Breakdown(sess, offer)
	t, err := s.ledger.PayoutTx(ctx, tx, ledger.Payout{
		TesterID:  sess.TesterID,
		Ref:       sess.ID,
		Type:      market.TxCredit,
		Breakdown: b,
		Metadata: market.Metadata{
			SessionID:   sess.ID,
			CampaignID:  sess.CampaignID,
			Description: fmt.Sprintf("test of %s", offer.ProductID),
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session payout",
		"sessionId", sess.ID, "testerId", sess.TesterID,
		"base", money.Format(b.Base), "commission", money.Format(b.Commission), "net", money.Format(b.Net))
	return t, nil
}

// ReleaseTx gives back the slot sess holds, if any.
func (s *Service) ReleaseTx(ctx context.Context, tx store.Tx, sess *market.Session) error {
	if !sess.SlotHeld {
		return nil
	}
	c, err := tx.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		return err
	}
	if err := campaign.ReleaseSlotTx(ctx, tx, s.ledger, c, sess.ID); err != nil {
		return err
	}
	sess.SlotHeld = false
	return nil
}

// Get returns a session visible to actor: its tester, its seller or an admin.
func (s *Service) Get(ctx context.Context, actor market.Actor, id string) (*market.Session, error) {
	var sess *market.Session
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := canView(actor, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func canView(actor market.Actor, sess *market.Session) error {
	if actor.Role == market.RoleAdmin || actor.Role == market.RoleSystem || sess.Party(actor.ID) {
		return nil
	}
	return &market.ForbiddenError{Op: "view session", Role: actor.Role, Required: market.RoleAdmin, Reason: "not a party to this session"}
}

// List returns sessions matching f. Testers and sellers only see their own.
func (s *Service) List(ctx context.Context, actor market.Actor, f market.SessionFilter) ([]*market.Session, error) {
	switch actor.Role {
	case market.RoleTester:
		f.TesterID = actor.ID
	case market.RoleSeller:
		f.SellerID = actor.ID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, market.Invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []*market.Session
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListSessions(ctx, f)
		return err
	})
	return out, err
}

// CampaignStats counts the campaign's sessions by status. Counts and slot
// figures come from one unit of work. Only the campaign's seller and admins
// may read them.
func (s *Service) CampaignStats(ctx context.Context, actor market.Actor, campaignID string) (*Stats, error) {
	var st *Stats
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if actor.Role != market.RoleAdmin && actor.Role != market.RoleSystem {
			if err := actor.Require("campaign stats", market.RoleSeller, c.SellerID); err != nil {
				return err
			}
		}
		counts, err := tx.CountSessions(ctx, campaignID)
		if err != nil {
			return err
		}
		st = &Stats{
			CampaignID:     c.ID,
			TotalSlots:     c.TotalSlots,
			AvailableSlots: c.AvailableSlots,
			ByStatus:       counts,
		}
		for _, n := range counts {
			st.Total += n
		}
		return nil
	})
	return st, err
}
