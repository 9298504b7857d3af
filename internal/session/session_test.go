package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/pricerange"
	"github.com/prooflab/prooflab/internal/store"
)

var (
	seller = market.Seller("seller_1")
	tester = market.Tester("tester_1")
)

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.New(s, commission.New(commission.Rates{Rate: decimal.NewFromInt(10)}))
	return &fixture{svc: NewService(s, l, nil), store: s, ledger: l}
}

// seed stores an ACTIVE campaign with one offer.
func (f *fixture) seed(t *testing.T, id string, slots int, offer market.Offer) *market.Campaign {
	t.Helper()
	offer.ID = "off_" + id
	offer.CampaignID = id
	if offer.Quantity == 0 {
		offer.Quantity = 1
	}
	c := &market.Campaign{
		ID:             id,
		SellerID:       seller.ID,
		Title:          "campaign " + id,
		Status:         market.CampaignActive,
		TotalSlots:     slots,
		AvailableSlots: slots,
		Offers:         []*market.Offer{&offer},
		CreatedAt:      time.Now(),
	}
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCampaign(ctx, c)
	})
	require.NoError(t, err)
	return c
}

func standardOffer() market.Offer {
	return market.Offer{
		ProductID:       "B0HEADSET",
		ExpectedPrice:   money.MustParse("50"),
		Bonus:           money.MustParse("10"),
		ReimbursedPrice: true,
	}
}

func (f *fixture) available(t *testing.T, campaignID string) int {
	t.Helper()
	st, err := f.svc.CampaignStats(context.Background(), market.System, campaignID)
	require.NoError(t, err)
	return st.AvailableSlots
}

// inProgress drives a new session up to IN_PROGRESS with the given price.
func (f *fixture) inProgress(t *testing.T, campaignID string, who market.Actor, price string) *market.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.Apply(ctx, who, campaignID, ApplyRequest{Message: "I review headsets"})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitPurchase(ctx, who, sess.ID, PurchaseRequest{Price: money.MustParse(price), ProofURL: "https://img.example/receipt.png"})
	require.NoError(t, err)
	sess, err = f.svc.ValidatePurchase(ctx, seller, sess.ID, ValidatePurchaseRequest{})
	require.NoError(t, err)
	require.Equal(t, market.SessionInProgress, sess.Status)
	return sess
}

func TestHappyPath_PaysNetCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 2, standardOffer())

	sess := f.inProgress(t, "cmp_1", tester, "50")
	assert.Equal(t, "50", sess.ValidatedProductPrice.Decimal.String())
	assert.NotNil(t, sess.PurchaseValidatedAt)

	sess, err := f.svc.SubmitTest(ctx, tester, sess.ID, "works well")
	require.NoError(t, err)
	assert.Equal(t, market.SessionSubmitted, sess.Status)

	before, err := f.ledger.GetBalance(ctx, tester.ID)
	require.NoError(t, err)

	sess, err = f.svc.ValidateTest(ctx, seller, sess.ID, ValidateTestRequest{Rating: 5, Feedback: "great"})
	require.NoError(t, err)
	assert.Equal(t, market.SessionCompleted, sess.Status)
	require.NotNil(t, sess.Rating)
	assert.Equal(t, 5, *sess.Rating)
	assert.NotNil(t, sess.CompletedAt)
	assert.True(t, sess.SlotHeld, "completed sessions keep their slot")

	after, err := f.ledger.GetBalance(ctx, tester.ID)
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(after.Sub(before)))

	txs, err := f.ledger.ListTransactions(ctx, tester.ID, market.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	p := txs[0].Metadata.Payout
	require.NotNil(t, p)
	assert.Equal(t, "60.00", money.Format(p.Base))
	assert.Equal(t, "6.00", money.Format(p.Commission))
	assert.Equal(t, "54.00", money.Format(p.Net))
	assert.Equal(t, sess.ID, txs[0].Metadata.SessionID)

	w, err := f.ledger.GetWallet(ctx, tester.ID)
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(w.TotalEarned))

	// COMPLETED is terminal.
	_, err = f.svc.Cancel(ctx, tester, sess.ID, "")
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
	_, err = f.svc.ValidateTest(ctx, seller, sess.ID, ValidateTestRequest{Rating: 4})
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestSubmitPurchase_PriceRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 1, standardOffer())

	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)

	sess, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("53"), ProofURL: "https://x/1"})
	require.NoError(t, err)
	assert.Equal(t, market.SessionAccepted, sess.Status)
	assert.Equal(t, "53", sess.PurchasePrice.Decimal.String())

	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("60"), ProofURL: "https://x/2"})
	var pr *market.PriceOutOfRangeError
	require.True(t, errors.As(err, &pr), "got %v", err)
	assert.Equal(t, "45", pr.Min.String())
	assert.Equal(t, "55", pr.Max.String())

	// The rejected submission did not overwrite the accepted one.
	got, err := f.svc.Get(ctx, tester, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "53", got.PurchasePrice.Decimal.String())
	assert.Equal(t, "https://x/1", got.PurchaseProofURL)
}

func TestSubmitPurchase_RejectsSubCentPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 1, standardOffer())

	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: decimal.RequireFromString("55.004"), ProofURL: "https://x/1"})
	require.ErrorIs(t, err, market.ErrInvalidInput)
	var ie *market.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "price", ie.Field)

	got, err := f.svc.Get(ctx, tester, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.PurchasePrice.Valid)

	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("55"), ProofURL: "https://x/1"})
	require.NoError(t, err)
	_, err = f.svc.ValidatePurchase(ctx, seller, sess.ID, ValidatePurchaseRequest{Price: decimal.NewNullDecimal(decimal.RequireFromString("54.999"))})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestCampaignStats_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 2, standardOffer())

	_, err := f.svc.CampaignStats(ctx, seller, "cmp_1")
	require.NoError(t, err)
	_, err = f.svc.CampaignStats(ctx, market.Admin("ops_1"), "cmp_1")
	require.NoError(t, err)

	_, err = f.svc.CampaignStats(ctx, market.Seller("seller_2"), "cmp_1")
	assert.ErrorIs(t, err, market.ErrForbidden)
	_, err = f.svc.CampaignStats(ctx, tester, "cmp_1")
	assert.ErrorIs(t, err, market.ErrForbidden)
}

func TestSubmitPurchase_FlatBandForCheapItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offer := standardOffer()
	offer.ExpectedPrice = money.MustParse("3")
	f.seed(t, "cmp_1", 1, offer)

	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("5.01"), ProofURL: "https://x/1"})
	var pr *market.PriceOutOfRangeError
	require.True(t, errors.As(err, &pr))
	assert.True(t, pr.Min.IsZero())
	assert.Equal(t, "5", pr.Max.String())

	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("5"), ProofURL: "https://x/1"})
	require.NoError(t, err)
}

func TestConcurrentApply_LastSlot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "cmp_1", 1, standardOffer())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []*market.Session
		errs    []error
	)
	for _, id := range []string{"tester_a", "tester_b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sess, err := f.svc.Apply(context.Background(), market.Tester(id), "cmp_1", ApplyRequest{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			created = append(created, sess)
		}(id)
	}
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, market.SessionPending, created[0].Status)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], market.ErrSlotsExhausted)
	assert.Equal(t, 0, f.available(t, "cmp_1"))
}

func TestApply_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 5, standardOffer())

	_, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	assert.ErrorIs(t, err, market.ErrAlreadyApplied)
	assert.Equal(t, 4, f.available(t, "cmp_1"), "failed application must not take a slot")
}

func TestApply_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 5, standardOffer())

	_, err := f.svc.Apply(ctx, tester, "cmp_missing", ApplyRequest{})
	assert.ErrorIs(t, err, market.ErrNotFound)

	_, err = f.svc.Apply(ctx, seller, "cmp_1", ApplyRequest{})
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{OfferID: "off_other"})
	assert.ErrorIs(t, err, market.ErrNotFound)

	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetCampaign(ctx, "cmp_1")
		if err != nil {
			return err
		}
		c.Status = market.CampaignCompleted
		return tx.UpdateCampaign(ctx, c)
	})
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	var te *market.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []string{"ACTIVE"}, te.Allowed)
}

func TestApply_OutsideDates(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, "cmp_1", 5, standardOffer())
	start := time.Now().Add(48 * time.Hour)
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		c.StartDate = &start
		return tx.UpdateCampaign(ctx, c)
	})
	require.NoError(t, err)

	_, err = f.svc.Apply(context.Background(), tester, "cmp_1", ApplyRequest{})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestRejectAndCancel_RestoreOneSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 3, standardOffer())

	a, err := f.svc.Apply(ctx, market.Tester("a"), "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	b, err := f.svc.Apply(ctx, market.Tester("b"), "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.available(t, "cmp_1"))

	_, err = f.svc.Reject(ctx, seller, a.ID, "")
	assert.ErrorIs(t, err, market.ErrInvalidInput)

	a, err = f.svc.Reject(ctx, seller, a.ID, "not our audience")
	require.NoError(t, err)
	assert.Equal(t, market.SessionRejected, a.Status)
	assert.False(t, a.SlotHeld)
	assert.Equal(t, 2, f.available(t, "cmp_1"))

	_, err = f.svc.Accept(ctx, seller, b.ID)
	require.NoError(t, err)
	b, err = f.svc.Cancel(ctx, market.Tester("b"), b.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, market.SessionCancelled, b.Status)
	assert.Equal(t, "changed my mind", b.CancellationReason)
	assert.Equal(t, 3, f.available(t, "cmp_1"))

	// Terminal sessions cannot release again.
	_, err = f.svc.Cancel(ctx, market.Tester("b"), b.ID, "")
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
	assert.Equal(t, 3, f.available(t, "cmp_1"))
}

func TestCancel_NotAfterSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 1, standardOffer())
	sess := f.inProgress(t, "cmp_1", tester, "50")
	_, err := f.svc.SubmitTest(ctx, tester, sess.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, tester, sess.ID, "")
	var te *market.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "SUBMITTED", te.Current)
	assert.Equal(t, []string{"PENDING", "ACCEPTED", "IN_PROGRESS"}, te.Allowed)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 2, standardOffer())
	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, tester, sess.ID)
	var fe *market.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, market.RoleTester, fe.Role)
	assert.Equal(t, market.RoleSeller, fe.Required)

	_, err = f.svc.Accept(ctx, market.Seller("other_seller"), sess.ID)
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = f.svc.Cancel(ctx, market.Tester("someone_else"), sess.ID, "")
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = f.svc.Get(ctx, market.Tester("someone_else"), sess.ID)
	assert.ErrorIs(t, err, market.ErrForbidden)

	_, err = f.svc.Get(ctx, market.Admin("ops"), sess.ID)
	assert.NoError(t, err)
}

func TestValidatePurchase_RequiresPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 1, standardOffer())
	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)

	_, err = f.svc.ValidatePurchase(ctx, seller, sess.ID, ValidatePurchaseRequest{})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestValidatePurchase_SellerCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 1, standardOffer())
	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitPurchase(ctx, tester, sess.ID, PurchaseRequest{Price: money.MustParse("54"), ProofURL: "https://x/1"})
	require.NoError(t, err)

	_, err = f.svc.ValidatePurchase(ctx, seller, sess.ID, ValidatePurchaseRequest{Price: decimal.NewNullDecimal(money.MustParse("70"))})
	assert.ErrorIs(t, err, market.ErrPriceOutOfRange)

	sess, err = f.svc.ValidatePurchase(ctx, seller, sess.ID, ValidatePurchaseRequest{Price: decimal.NewNullDecimal(money.MustParse("52.5"))})
	require.NoError(t, err)
	assert.Equal(t, "52.5", sess.ValidatedProductPrice.Decimal.String())
	assert.Equal(t, "54", sess.PurchasePrice.Decimal.String())
}

func TestValidateTest_RatingBounds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ValidateTest(context.Background(), seller, "ses_x", ValidateTestRequest{Rating: 6})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestBreakdown_Policies(t *testing.T) {
	f := newFixture(t)
	offer := &market.Offer{
		ExpectedPrice:      money.MustParse("50"),
		ShippingCost:       money.MustParse("5"),
		Bonus:              money.MustParse("10"),
		ReimbursedPrice:    true,
		ReimbursedShipping: true,
		MaxReimbursedPrice: decimal.NewNullDecimal(money.MustParse("52")),
		Quantity:           1,
	}
	sess := &market.Session{ValidatedProductPrice: decimal.NewNullDecimal(money.MustParse("54"))}

	b := f.svc.Breakdown(sess, offer)
	assert.Equal(t, "57.00", money.Format(b.Reimbursement), "cap policy limits the price to 52")
	assert.Equal(t, "67.00", money.Format(b.Base))

	f.svc.WithPolicy(pricerange.PolicyRange)
	b = f.svc.Breakdown(sess, offer)
	assert.Equal(t, "59.00", money.Format(b.Reimbursement))

	f.svc.WithPolicy(pricerange.PolicyExpected)
	b = f.svc.Breakdown(sess, offer)
	assert.Equal(t, "55.00", money.Format(b.Reimbursement))
	assert.True(t, b.Base.Sub(b.Commission).Equal(b.Net))
}

func TestPayout_SlotRefundAfterCampaignEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seed(t, "cmp_1", 2, standardOffer())
	sess, err := f.svc.Apply(ctx, tester, "cmp_1", ApplyRequest{})
	require.NoError(t, err)

	// End the funded campaign while the session is still open.
	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		charge := f.ledger.Calculator().SplitCampaignPayment(money.MustParse("120"))
		pay, err := f.ledger.Post(ctx, tx, ledger.Entry{
			UserID: seller.ID, Type: market.TxCampaignPayment, Amount: charge.TotalCharge,
			Metadata: market.Metadata{CampaignID: c.ID, Charge: &charge},
		})
		if err != nil {
			return err
		}
		cur, err := tx.GetCampaign(ctx, c.ID)
		if err != nil {
			return err
		}
		cur.PaymentTxID = pay.ID
		cur.Status = market.CampaignCompleted
		return tx.UpdateCampaign(ctx, cur)
	})
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, seller, sess.ID, "campaign over")
	require.NoError(t, err)

	bal, err := f.ledger.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "60.00", money.Format(bal), "the released slot's share is refunded")
	assert.Equal(t, 1, f.available(t, "cmp_1"), "slot counter of an ended campaign is untouched")
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "cmp_1", 5, standardOffer())

	a, err := f.svc.Apply(ctx, market.Tester("a"), "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, market.Tester("b"), "cmp_1", ApplyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, a.ID)
	require.NoError(t, err)

	mine, err := f.svc.List(ctx, market.Tester("a"), market.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	all, err := f.svc.List(ctx, seller, market.SessionFilter{CampaignID: "cmp_1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := f.svc.List(ctx, seller, market.SessionFilter{Status: market.SessionPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = f.svc.List(ctx, seller, market.SessionFilter{Status: "BOGUS"})
	assert.ErrorIs(t, err, market.ErrInvalidInput)

	st, err := f.svc.CampaignStats(ctx, seller, "cmp_1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.TotalSlots)
	assert.Equal(t, 3, st.AvailableSlots)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[market.SessionAccepted])
	assert.Equal(t, 1, st.ByStatus[market.SessionPending])
}
