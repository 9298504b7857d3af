package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/session"
	"github.com/prooflab/prooflab/internal/store"
)

var (
	seller = market.Seller("seller_1")
	tester = market.Tester("tester_1")
	admin  = market.Admin("ops_1")
)

type fixture struct {
	svc      *Service
	sessions *session.Service
	store    *store.MemoryStore
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.New(s, commission.New(commission.Rates{Rate: decimal.NewFromInt(10)}), ledger.WithPlatformUser("platform"))
	sessions := session.NewService(s, l, nil)
	f := &fixture{svc: NewService(s, sessions, nil), sessions: sessions, store: s, ledger: l}
	f.seedCampaign(t, "cmp_1", 2)
	return f
}

func (f *fixture) seedCampaign(t *testing.T, id string, slots int) {
	t.Helper()
	c := &market.Campaign{
		ID:             id,
		SellerID:       seller.ID,
		Title:          "headset test",
		Status:         market.CampaignActive,
		TotalSlots:     slots,
		AvailableSlots: slots,
		Offers: []*market.Offer{{
			ID:              "off_" + id,
			CampaignID:      id,
			ProductID:       "B0HEADSET",
			ExpectedPrice:   money.MustParse("50"),
			Bonus:           money.MustParse("10"),
			ReimbursedPrice: true,
			Quantity:        1,
		}},
		CreatedAt: time.Now(),
	}
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCampaign(ctx, c)
	})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	st, err := f.sessions.CampaignStats(context.Background(), market.System, "cmp_1")
	require.NoError(t, err)
	return st.AvailableSlots
}

// submitted drives a session to SUBMITTED with a validated price of 50.
func (f *fixture) submitted(t *testing.T) *market.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.Apply(ctx, tester, "cmp_1", session.ApplyRequest{})
	require.NoError(t, err)
	_, err = f.sessions.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)
	_, err = f.sessions.SubmitPurchase(ctx, tester, sess.ID, session.PurchaseRequest{Price: money.MustParse("50"), ProofURL: "https://img.example/r.png"})
	require.NoError(t, err)
	_, err = f.sessions.ValidatePurchase(ctx, seller, sess.ID, session.ValidatePurchaseRequest{})
	require.NoError(t, err)
	sess, err = f.sessions.SubmitTest(ctx, tester, sess.ID, "done")
	require.NoError(t, err)
	return sess
}

func TestDeclare_FreezesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.submitted(t)

	sess, err := f.svc.Declare(ctx, seller, sess.ID, DeclareRequest{Reason: "video does not show the product"})
	require.NoError(t, err)
	assert.Equal(t, market.SessionDisputed, sess.Status)
	require.NotNil(t, sess.Dispute)
	assert.Equal(t, market.SessionSubmitted, sess.Dispute.PreviousStatus)
	assert.Equal(t, seller.ID, sess.Dispute.RaisedBy)

	_, err = f.sessions.ValidateTest(ctx, seller, sess.ID, session.ValidateTestRequest{Rating: 5})
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
	_, err = f.sessions.Cancel(ctx, tester, sess.ID, "")
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
	_, err = f.svc.Declare(ctx, tester, sess.ID, DeclareRequest{Reason: "again"})
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestDeclare_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Apply(ctx, tester, "cmp_1", session.ApplyRequest{})
	require.NoError(t, err)

	_, err = f.svc.Declare(ctx, tester, sess.ID, DeclareRequest{Reason: "  "})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
	_, err = f.svc.Declare(ctx, market.Tester("stranger"), sess.ID, DeclareRequest{Reason: "x"})
	var fe *market.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, market.RoleTester, fe.Required)
	assert.Equal(t, tester.ID, fe.Owner)
	_, err = f.svc.Declare(ctx, market.Seller("seller_2"), sess.ID, DeclareRequest{Reason: "x"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, market.RoleSeller, fe.Required)
	assert.Equal(t, seller.ID, fe.Owner)
	_, err = f.svc.Declare(ctx, admin, sess.ID, DeclareRequest{Reason: "x"})
	assert.ErrorIs(t, err, market.ErrForbidden)
	_, err = f.svc.Declare(ctx, tester, "ses_missing", DeclareRequest{Reason: "x"})
	assert.ErrorIs(t, err, market.ErrNotFound)

	_, err = f.sessions.Reject(ctx, seller, sess.ID, "no")
	require.NoError(t, err)
	_, err = f.svc.Declare(ctx, tester, sess.ID, DeclareRequest{Reason: "unfair"})
	assert.ErrorIs(t, err, market.ErrInvalidTransition, "terminal sessions cannot be disputed")
}

func TestResolve_CompletedPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.submitted(t)
	_, err := f.svc.Declare(ctx, tester, sess.ID, DeclareRequest{Reason: "seller is not validating"})
	require.NoError(t, err)

	req := ResolveRequest{Resolution: "evidence is sufficient", NewStatus: market.SessionCompleted}
	_, err = f.svc.Resolve(ctx, seller, sess.ID, req)
	assert.ErrorIs(t, err, market.ErrForbidden)

	sess, err = f.svc.Resolve(ctx, admin, sess.ID, req)
	require.NoError(t, err)
	assert.Equal(t, market.SessionCompleted, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, "evidence is sufficient", sess.Dispute.Resolution)
	assert.Equal(t, admin.ID, sess.Dispute.ResolvedBy)
	assert.Equal(t, market.SessionCompleted, sess.Dispute.ResolvedStatus)

	bal, err := f.ledger.GetBalance(ctx, tester.ID)
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(bal))
	fee, err := f.ledger.GetBalance(ctx, "platform")
	require.NoError(t, err)
	assert.Equal(t, "6.00", money.Format(fee))

	_, err = f.svc.Resolve(ctx, admin, sess.ID, req)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
	bal, err = f.ledger.GetBalance(ctx, tester.ID)
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(bal))
}

func TestResolve_RejectedReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.submitted(t)
	assert.Equal(t, 1, f.available(t))

	_, err := f.svc.Declare(ctx, seller, sess.ID, DeclareRequest{Reason: "fake receipt"})
	require.NoError(t, err)
	sess, err = f.svc.Resolve(ctx, admin, sess.ID, ResolveRequest{Resolution: "receipt forged", NewStatus: market.SessionRejected})
	require.NoError(t, err)
	assert.Equal(t, market.SessionRejected, sess.Status)
	assert.Equal(t, "receipt forged", sess.RejectionReason)
	assert.False(t, sess.SlotHeld)
	assert.Equal(t, 2, f.available(t))

	bal, err := f.ledger.GetBalance(ctx, tester.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestResolve_Resume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Apply(ctx, tester, "cmp_1", session.ApplyRequest{})
	require.NoError(t, err)
	_, err = f.sessions.Accept(ctx, seller, sess.ID)
	require.NoError(t, err)
	_, err = f.svc.Declare(ctx, tester, sess.ID, DeclareRequest{Reason: "seller unresponsive"})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, sess.ID, ResolveRequest{Resolution: "x", NewStatus: market.SessionInProgress})
	assert.ErrorIs(t, err, market.ErrInvalidInput, "only the pre-dispute status can be resumed")
	_, err = f.svc.Resolve(ctx, admin, sess.ID, ResolveRequest{Resolution: "x", NewStatus: market.SessionDisputed})
	assert.ErrorIs(t, err, market.ErrInvalidInput)

	sess, err = f.svc.Resolve(ctx, admin, sess.ID, ResolveRequest{Resolution: "seller replied", NewStatus: market.SessionAccepted})
	require.NoError(t, err)
	assert.Equal(t, market.SessionAccepted, sess.Status)
	assert.True(t, sess.SlotHeld)
	require.NotNil(t, sess.Dispute)
	assert.Equal(t, "seller unresponsive", sess.Dispute.Reason)

	// The normal lifecycle continues.
	_, err = f.sessions.SubmitPurchase(ctx, tester, sess.ID, session.PurchaseRequest{Price: money.MustParse("52"), ProofURL: "https://img.example/r.png"})
	assert.NoError(t, err)
}

func TestResolve_NotDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Apply(ctx, tester, "cmp_1", session.ApplyRequest{})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, sess.ID, ResolveRequest{Resolution: "x", NewStatus: market.SessionCancelled})
	var te *market.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"DISPUTED"}, te.Allowed)
}
