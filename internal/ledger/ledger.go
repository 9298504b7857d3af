// Package ledger is the only writer of wallets and transactions.
//
// Flow:
//  1. A service opens a unit of work and calls Post (or Payout) with the
//     store.Tx it holds, so the ledger row commits with the status change
//     that caused it.
//  2. Rows that wait on an external transfer are written PENDING and
//     finalized by Confirm or Fail.
//  3. A wallet's balance always equals the signed sum of its COMPLETED rows;
//     Reconcile recomputes that sum.
//
// Every movement tied to a session or bonus task carries an idempotency key
// (reference id + type). Posting an existing key is a no-op that returns the
// recorded transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/retry"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/traces"
)

var (
	ErrInsufficientFunds = market.ErrInsufficientFunds
	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", market.ErrInvalidInput)
)

// Ledger manages wallets and the transaction log.
type Ledger struct {
	store          store.Store
	calc           *commission.Calculator
	currency       string
	platformUserID string
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCurrency sets the currency of newly created wallets.
func WithCurrency(currency string) Option {
	return func(l *Ledger) { l.currency = currency }
}

// WithPlatformUser sets the user whose wallet collects commission.
func WithPlatformUser(userID string) Option {
	return func(l *Ledger) { l.platformUserID = userID }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger.
func New(s store.Store, calc *commission.Calculator, opts ...Option) *Ledger {
	l := &Ledger{
		store:          s,
		calc:           calc,
		currency:       "EUR",
		platformUserID: "platform",
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Calculator returns the commission calculator used for payouts.
func (l *Ledger) Calculator() *commission.Calculator { return l.calc }

// PlatformUserID returns the user id of the commission wallet.
func (l *Ledger) PlatformUserID() string { return l.platformUserID }

// Entry describes one movement to post.
type Entry struct {
	UserID   string
	Type     market.TransactionType
	Amount   decimal.Decimal
	Status   market.TransactionStatus // PENDING or COMPLETED; empty means COMPLETED
	Key      string                   // idempotency key, optional
	Metadata market.Metadata
}

// Post appends a transaction inside tx and applies its balance effect.
//
// COMPLETED rows move the balance by Direction()*amount. PENDING debit rows
// reserve the amount in pendingOut; PENDING balance-neutral or credit rows
// change nothing until settled. A debit larger than the available balance
// fails with ErrInsufficientFunds.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, e Entry) (*market.Transaction, error) {
	done := observeOp(string(e.Type))
	defer done()

	if !e.Type.Valid() {
		return nil, market.Invalid("type", fmt.Sprintf("unknown transaction type %q", e.Type))
	}
	if e.UserID == "" {
		return nil, market.Invalid("userId", "required")
	}
	amount := money.Round(e.Amount)
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, e.Amount)
	}
	status := e.Status
	if status == "" {
		status = market.TxCompleted
	}
	if status != market.TxCompleted && status != market.TxPending {
		return nil, market.Invalid("status", "new transactions are PENDING or COMPLETED")
	}

	if e.Key != "" {
		existing, err := tx.GetTransactionByKey(ctx, e.Key)
		if err == nil {
			LedgerReplaysTotal.WithLabelValues(string(e.Type)).Inc()
			l.logger.Debug("ledger replay", "key", e.Key, "txId", existing.ID)
			return existing, nil
		}
		if !errors.Is(err, market.ErrNotFound) {
			return nil, err
		}
	}

	if err := verifyBreakdown(e.Type, amount, e.Metadata); err != nil {
		return nil, l.integrity(err)
	}

	w, err := tx.EnsureWallet(ctx, e.UserID, l.currency)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	t := &market.Transaction{
		ID:             idgen.WithPrefix(idgen.Transaction),
		WalletID:       w.ID,
		UserID:         e.UserID,
		Type:           e.Type,
		Amount:         amount,
		Status:         status,
		IdempotencyKey: e.Key,
		Metadata:       e.Metadata,
		CreatedAt:      now,
	}
	if status == market.TxCompleted {
		t.SettledAt = &now
	}

	changed, err := applyPosting(w, t)
	if err != nil {
		return nil, err
	}

	if err := tx.InsertTransaction(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// A concurrent unit of work recorded the same key first.
			return nil, fmt.Errorf("%w: idempotency key %s", market.ErrConflict, e.Key)
		}
		return nil, err
	}
	if changed {
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return nil, err
		}
	}

	LedgerAmountTotal.WithLabelValues(string(t.Type)).Add(amount.InexactFloat64())
	l.logger.Info("ledger posting",
		"txId", t.ID, "userId", t.UserID, "type", t.Type,
		"amount", money.Format(amount), "status", t.Status)
	return t, nil
}

// applyPosting mutates w for a new row. It reports whether w changed.
func applyPosting(w *market.Wallet, t *market.Transaction) (bool, error) {
	dir := t.Type.Direction()
	switch {
	case dir == 0:
		return false, nil
	case t.Status == market.TxPending && dir < 0:
		if w.Available().LessThan(t.Amount) {
			return false, insufficient(w, t.Amount)
		}
		w.PendingOut = w.PendingOut.Add(t.Amount)
		return true, nil
	case t.Status == market.TxPending:
		return false, nil
	case dir > 0:
		w.Balance = w.Balance.Add(t.Amount)
		if t.Type.Earning() {
			w.TotalEarned = w.TotalEarned.Add(t.Amount)
		}
		return true, nil
	default:
		if w.Available().LessThan(t.Amount) {
			return false, insufficient(w, t.Amount)
		}
		w.Balance = w.Balance.Sub(t.Amount)
		if t.Type == market.TxWithdrawal {
			w.TotalWithdrawn = w.TotalWithdrawn.Add(t.Amount)
		}
		return true, nil
	}
}

func insufficient(w *market.Wallet, amount decimal.Decimal) error {
	return fmt.Errorf("%w: available %s, requested %s",
		ErrInsufficientFunds, money.Format(w.Available()), money.Format(amount))
}

func verifyBreakdown(t market.TransactionType, amount decimal.Decimal, meta market.Metadata) error {
	if t == market.TxCampaignPayment {
		return commission.VerifyCharge(amount, meta.Charge)
	}
	if meta.Payout != nil {
		return commission.VerifyPayout(amount, meta.Payout)
	}
	return nil
}

// integrity logs and counts an integrity violation before returning it.
func (l *Ledger) integrity(err error) error {
	metrics.IntegrityErrorsTotal.Inc()
	l.logger.Error("ledger integrity violation", "error", err)
	return err
}

// Payout describes money owed to a tester for a session or a bonus task.
type Payout struct {
	TesterID  string
	Ref       string                 // session or bonus task id
	Type      market.TransactionType // CREDIT or UGC_BONUS
	Breakdown market.PayoutBreakdown
	Metadata  market.Metadata
}

// PayoutTx credits the tester the net amount and the platform wallet the
// commission, each keyed on (ref, type). Replays return the recorded credit.
func (l *Ledger) PayoutTx(ctx context.Context, tx store.Tx, p Payout) (*market.Transaction, error) {
	if p.Type != market.TxCredit && p.Type != market.TxUGCBonus {
		return nil, market.Invalid("type", "payouts are CREDIT or UGC_BONUS")
	}
	meta := p.Metadata
	b := p.Breakdown
	meta.Payout = &b

	credit, err := l.Post(ctx, tx, Entry{
		UserID:   p.TesterID,
		Type:     p.Type,
		Amount:   b.Net,
		Key:      market.IdempotencyKey(p.Ref, p.Type),
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	if b.Commission.IsPositive() {
		fee := p.Metadata
		fee.Description = fmt.Sprintf("commission on %s %s", p.Type, p.Ref)
		if _, err := l.Post(ctx, tx, Entry{
			UserID:   l.platformUserID,
			Type:     market.TxCommission,
			Amount:   b.Commission,
			Key:      market.IdempotencyKey(p.Ref, market.TxCommission),
			Metadata: fee,
		}); err != nil {
			return nil, err
		}
	}
	return credit, nil
}

// SettleTx moves a PENDING row to COMPLETED or FAILED and applies the
// deferred balance effect. Settling to the status a row already has is a
// no-op.
func (l *Ledger) SettleTx(ctx context.Context, tx store.Tx, txID string, status market.TransactionStatus) (*market.Transaction, error) {
	done := observeOp("settle")
	defer done()

	if status != market.TxCompleted && status != market.TxFailed {
		return nil, market.Invalid("status", "settle to COMPLETED or FAILED")
	}
	t, err := tx.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	if t.Status != market.TxPending {
		return nil, &market.TransitionError{
			Op:      "settle transaction",
			Current: string(t.Status),
			Allowed: []string{string(market.TxPending)},
		}
	}
	if status == market.TxCompleted {
		if err := verifyBreakdown(t.Type, t.Amount, t.Metadata); err != nil {
			return nil, l.integrity(err)
		}
	}

	w, err := tx.GetWallet(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	changed, err := applySettlement(w, t, status)
	if err != nil {
		return nil, l.integrity(err)
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	t.Status = status
	t.SettledAt = &now
	if err := tx.SettleTransaction(ctx, t); err != nil {
		return nil, err
	}
	if changed {
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return nil, err
		}
	}
	l.logger.Info("ledger settlement", "txId", t.ID, "type", t.Type, "status", status)
	return t, nil
}

func applySettlement(w *market.Wallet, t *market.Transaction, status market.TransactionStatus) (bool, error) {
	dir := t.Type.Direction()
	switch {
	case dir < 0:
		if w.PendingOut.LessThan(t.Amount) {
			return false, market.Integrity("wallet %s pendingOut %s below pending %s %s",
				w.ID, money.Format(w.PendingOut), t.Type, money.Format(t.Amount))
		}
		w.PendingOut = w.PendingOut.Sub(t.Amount)
		if status == market.TxCompleted {
			w.Balance = w.Balance.Sub(t.Amount)
			if t.Type == market.TxWithdrawal {
				w.TotalWithdrawn = w.TotalWithdrawn.Add(t.Amount)
			}
		}
		return true, nil
	case dir > 0 && status == market.TxCompleted:
		w.Balance = w.Balance.Add(t.Amount)
		if t.Type.Earning() {
			w.TotalEarned = w.TotalEarned.Add(t.Amount)
		}
		return true, nil
	}
	return false, nil
}

// --- standalone operations, each in its own unit of work ---

// Credit adds a completed credit-type row to userID's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, t market.TransactionType, key string, meta market.Metadata) (tr *market.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Credit", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if t.Direction() <= 0 {
		return nil, market.Invalid("type", fmt.Sprintf("%s is not a credit type", t))
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	err = l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err = l.Post(ctx, tx, Entry{UserID: userID, Type: t, Amount: amount, Key: key, Metadata: meta})
		return err
	})
	return tr, err
}

// Debit removes a completed DEBIT from userID's wallet.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, key string, meta market.Metadata) (tr *market.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Debit", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	err = l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err = l.Post(ctx, tx, Entry{UserID: userID, Type: market.TxDebit, Amount: amount, Key: key, Metadata: meta})
		return err
	})
	return tr, err
}

// Withdraw reserves amount for an outgoing transfer as a PENDING
// WITHDRAWAL. The transfer outcome arrives through Confirm or Fail.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) (tr *market.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Withdraw", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
	}
	key := ""
	if reference != "" {
		key = market.IdempotencyKey(reference, market.TxWithdrawal)
	}
	err = l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err = l.Post(ctx, tx, Entry{
			UserID:   userID,
			Type:     market.TxWithdrawal,
			Amount:   amount,
			Status:   market.TxPending,
			Key:      key,
			Metadata: market.Metadata{ExternalRef: reference},
		})
		return err
	})
	return tr, err
}

// Confirm completes a PENDING row. Conflicts with concurrent writers on the
// same wallet are retried.
func (l *Ledger) Confirm(ctx context.Context, txID string) (*market.Transaction, error) {
	return l.settle(ctx, txID, market.TxCompleted)
}

// Fail marks a PENDING row FAILED and releases any reservation.
func (l *Ledger) Fail(ctx context.Context, txID string) (*market.Transaction, error) {
	return l.settle(ctx, txID, market.TxFailed)
}

func (l *Ledger) settle(ctx context.Context, txID string, status market.TransactionStatus) (tr *market.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Settle", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	err = retry.DoIf(ctx, 3, 20*time.Millisecond, retry.On(market.ErrConflict), func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			tr, err = l.SettleTx(ctx, tx, txID, status)
			return err
		})
	})
	return tr, err
}

// GetWallet returns the user's wallet. A user that never received money
// has an empty wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*market.Wallet, error) {
	var w *market.Wallet
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, userID)
		return err
	})
	if errors.Is(err, market.ErrNotFound) {
		return &market.Wallet{UserID: userID, Currency: l.currency}, nil
	}
	return w, err
}

// GetBalance returns the user's balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := l.GetWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// ListTransactions returns the user's transactions, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, f market.TransactionFilter) ([]*market.Transaction, error) {
	var out []*market.Transaction
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if errors.Is(err, market.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = tx.ListTransactions(ctx, w.ID, f)
		return err
	})
	return out, err
}

// GetTransaction returns one transaction.
func (l *Ledger) GetTransaction(ctx context.Context, txID string) (*market.Transaction, error) {
	var t *market.Transaction
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.GetTransaction(ctx, txID)
		return err
	})
	return t, err
}

// Report compares a wallet's materialized values with its ledger rows.
type Report struct {
	UserID           string          `json:"userId"`
	WalletID         string          `json:"walletId"`
	Balance          decimal.Decimal `json:"balance"`
	LedgerBalance    decimal.Decimal `json:"ledgerBalance"`
	PendingOut       decimal.Decimal `json:"pendingOut"`
	LedgerPendingOut decimal.Decimal `json:"ledgerPendingOut"`
	Match            bool            `json:"match"`
}

// Reconcile recomputes the user's balance from COMPLETED rows and pendingOut
// from PENDING debits.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Report, error) {
	var r *Report
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		r, err = ReconcileTx(ctx, tx, w)
		return err
	})
	return r, err
}

// ReconcileTx builds a Report for w inside tx.
func ReconcileTx(ctx context.Context, tx store.Tx, w *market.Wallet) (*Report, error) {
	completed, pendingOut, err := tx.SumTransactions(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	return &Report{
		UserID:           w.UserID,
		WalletID:         w.ID,
		Balance:          w.Balance,
		LedgerBalance:    completed,
		PendingOut:       w.PendingOut,
		LedgerPendingOut: pendingOut,
		Match:            w.Balance.Equal(completed) && w.PendingOut.Equal(pendingOut),
	}, nil
}
