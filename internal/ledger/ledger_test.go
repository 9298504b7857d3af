package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	calc := commission.New(commission.Rates{Rate: decimal.NewFromInt(10)})
	return New(s, calc, WithPlatformUser("platform")), s
}

func payout(l *Ledger, tester, ref string, reimbursement, bonus string) Payout {
	return Payout{
		TesterID:  tester,
		Ref:       ref,
		Type:      market.TxCredit,
		Breakdown: l.Calculator().SplitTesterCredit(money.MustParse(reimbursement), money.MustParse(bonus)),
		Metadata:  market.Metadata{SessionID: ref},
	}
}

func runPayout(t *testing.T, l *Ledger, s store.Store, p Payout) *market.Transaction {
	t.Helper()
	var tr *market.Transaction
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		tr, err = l.PayoutTx(ctx, tx, p)
		return err
	})
	require.NoError(t, err)
	return tr
}

func TestPayout_CreditsNetAndCommission(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	tr := runPayout(t, l, s, payout(l, "tester", "ses_1", "50", "10"))

	assert.Equal(t, market.TxCredit, tr.Type)
	assert.Equal(t, market.TxCompleted, tr.Status)
	assert.Equal(t, "54.00", money.Format(tr.Amount))
	require.NotNil(t, tr.Metadata.Payout)
	assert.Equal(t, "60.00", money.Format(tr.Metadata.Payout.Base))
	assert.Equal(t, "6.00", money.Format(tr.Metadata.Payout.Commission))
	assert.Equal(t, "54.00", money.Format(tr.Metadata.Payout.Net))
	assert.Equal(t, "ses_1:CREDIT", tr.IdempotencyKey)

	w, err := l.GetWallet(ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(w.Balance))
	assert.Equal(t, "54.00", money.Format(w.TotalEarned))

	platform, err := l.GetBalance(ctx, "platform")
	require.NoError(t, err)
	assert.Equal(t, "6.00", money.Format(platform))
}

func TestPayout_ReplayDoesNotDrift(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	first := runPayout(t, l, s, payout(l, "tester", "ses_1", "50", "10"))
	second := runPayout(t, l, s, payout(l, "tester", "ses_1", "50", "10"))
	assert.Equal(t, first.ID, second.ID)

	bal, err := l.GetBalance(ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, "54.00", money.Format(bal))

	txs, err := l.ListTransactions(ctx, "tester", market.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	platform, err := l.ListTransactions(ctx, "platform", market.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, platform, 1)
}

func TestPayout_ZeroCommissionSkipsPlatformRow(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s, commission.New(commission.Rates{Rate: decimal.Zero}))

	runPayout(t, l, s, payout(l, "tester", "ses_1", "20", "0"))

	txs, err := l.ListTransactions(context.Background(), "platform", market.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPayout_RejectsNonPayoutType(t *testing.T) {
	l, s := newTestLedger(t)
	p := payout(l, "tester", "ses_1", "10", "0")
	p.Type = market.TxDebit
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := l.PayoutTx(ctx, tx, p)
		return err
	})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestPost_BreakdownMismatchIsIntegrityError(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	b := l.Calculator().SplitTesterCredit(money.MustParse("50"), money.MustParse("10"))
	b.Net = money.MustParse("55")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Post(ctx, tx, Entry{
			UserID:   "tester",
			Type:     market.TxCredit,
			Amount:   money.MustParse("55"),
			Metadata: market.Metadata{Payout: &b},
		})
		return err
	})
	require.ErrorIs(t, err, market.ErrLedgerIntegrity)

	bal, err := l.GetBalance(ctx, "tester")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestPost_CampaignPaymentRequiresConsistentCharge(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	charge := l.Calculator().SplitCampaignPayment(money.MustParse("500"))

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Post(ctx, tx, Entry{
			UserID:   "seller",
			Type:     market.TxCampaignPayment,
			Amount:   money.MustParse("500"),
			Status:   market.TxPending,
			Metadata: market.Metadata{Charge: &charge},
		})
		return err
	})
	require.ErrorIs(t, err, market.ErrLedgerIntegrity)

	var tr *market.Transaction
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tr, err = l.Post(ctx, tx, Entry{
			UserID:   "seller",
			Type:     market.TxCampaignPayment,
			Amount:   charge.TotalCharge,
			Status:   market.TxPending,
			Metadata: market.Metadata{Charge: &charge},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "550.00", money.Format(tr.Amount))

	tr, err = l.Confirm(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, market.TxCompleted, tr.Status)

	// Campaign payments are balance-neutral on the seller wallet.
	bal, err := l.GetBalance(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestPost_NegativeAmount(t *testing.T) {
	l, s := newTestLedger(t)
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := l.Post(ctx, tx, Entry{UserID: "u", Type: market.TxCredit, Amount: decimal.NewFromInt(-1)})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreditDebit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u", money.MustParse("30"), market.TxCampaignRefund, "cmp_1:CAMPAIGN_REFUND", market.Metadata{CampaignID: "cmp_1"})
	require.NoError(t, err)
	_, err = l.Debit(ctx, "u", money.MustParse("12.50"), "", market.Metadata{Description: "fee"})
	require.NoError(t, err)

	w, err := l.GetWallet(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "17.50", money.Format(w.Balance))
	assert.True(t, w.TotalEarned.IsZero(), "refunds are not earnings")

	_, err = l.Debit(ctx, "u", money.MustParse("100"), "", market.Metadata{})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Credit(ctx, "u", money.MustParse("1"), market.TxDebit, "", market.Metadata{})
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestWithdraw_ConfirmAndFail(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, "u", money.MustParse("100"), market.TxCredit, "", market.Metadata{})
	require.NoError(t, err)

	w1, err := l.Withdraw(ctx, "u", money.MustParse("40"), "bank-1")
	require.NoError(t, err)
	assert.Equal(t, market.TxPending, w1.Status)

	w, err := l.GetWallet(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "100.00", money.Format(w.Balance), "pending rows do not move the balance")
	assert.Equal(t, "60.00", money.Format(w.Available()))

	_, err = l.Withdraw(ctx, "u", money.MustParse("70"), "bank-2")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Confirm(ctx, w1.ID)
	require.NoError(t, err)
	w, err = l.GetWallet(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "60.00", money.Format(w.Balance))
	assert.True(t, w.PendingOut.IsZero())
	assert.Equal(t, "40.00", money.Format(w.TotalWithdrawn))

	w2, err := l.Withdraw(ctx, "u", money.MustParse("60"), "bank-3")
	require.NoError(t, err)
	_, err = l.Fail(ctx, w2.ID)
	require.NoError(t, err)
	w, err = l.GetWallet(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "60.00", money.Format(w.Balance))
	assert.Equal(t, "60.00", money.Format(w.Available()))

	// Settling again to the same status is a no-op, to another is refused.
	_, err = l.Fail(ctx, w2.ID)
	require.NoError(t, err)
	_, err = l.Confirm(ctx, w2.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	report, err := l.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestWithdraw_SameReferenceReplays(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Credit(ctx, "u", money.MustParse("100"), market.TxCredit, "", market.Metadata{})
	require.NoError(t, err)

	a, err := l.Withdraw(ctx, "u", money.MustParse("10"), "bank-1")
	require.NoError(t, err)
	b, err := l.Withdraw(ctx, "u", money.MustParse("10"), "bank-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	w, err := l.GetWallet(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "10.00", money.Format(w.PendingOut))
}

func TestGetWallet_Unknown(t *testing.T) {
	l, _ := newTestLedger(t)
	w, err := l.GetWallet(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", w.UserID)
	assert.Equal(t, "EUR", w.Currency)
	assert.True(t, w.Balance.IsZero())

	_, err = l.Reconcile(context.Background(), "nobody")
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestConcurrentPayouts_BalanceMatchesLedger(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := payout(l, "tester", "ses_"+string(rune('a'+i)), "10", "0")
			_ = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := l.PayoutTx(ctx, tx, p)
				return err
			})
		}(i)
	}
	wg.Wait()

	bal, err := l.GetBalance(ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, "180.00", money.Format(bal))

	report, err := l.Reconcile(ctx, "tester")
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.True(t, report.LedgerBalance.Equal(report.Balance))
}
