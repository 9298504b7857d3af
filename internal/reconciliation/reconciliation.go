// Package reconciliation checks every wallet's cached balances against its
// transaction history.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/traces"
)

const defaultBatchSize = 200

// Result is the outcome of one sweep over all wallets.
type Result struct {
	StartedAt      time.Time        `json:"startedAt"`
	Duration       string           `json:"duration"`
	WalletsChecked int              `json:"walletsChecked"`
	Mismatches     []*ledger.Report `json:"mismatches"`
	Healthy        bool             `json:"healthy"`
}

// Runner sweeps wallets page by page. Each page is checked in its own unit
// of work so a long sweep never holds one transaction open.
type Runner struct {
	store     store.Store
	logger    *slog.Logger
	batchSize int

	mu   sync.Mutex
	last *Result
}

// NewRunner creates a reconciliation runner.
func NewRunner(s store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: s, logger: logger, batchSize: defaultBatchSize}
}

// WithBatchSize sets how many wallets are checked per unit of work.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunAll checks every wallet and records the result.
func (r *Runner) RunAll(ctx context.Context) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	res = &Result{StartedAt: start.UTC(), Mismatches: []*ledger.Report{}}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page int
		err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			wallets, err := tx.ListWallets(ctx, after, r.batchSize)
			if err != nil {
				return err
			}
			page = len(wallets)
			for _, w := range wallets {
				rep, err := ledger.ReconcileTx(ctx, tx, w)
				if err != nil {
					return fmt.Errorf("reconcile wallet %s: %w", w.UserID, err)
				}
				res.WalletsChecked++
				if !rep.Match {
					res.Mismatches = append(res.Mismatches, rep)
				}
				after = w.UserID
			}
			return nil
		})
		if err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
		if page < r.batchSize {
			break
		}
	}

	elapsed := time.Since(start)
	res.Duration = elapsed.String()
	res.Healthy = len(res.Mismatches) == 0
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileWalletsChecked.Set(float64(res.WalletsChecked))
	reconcileLedgerMismatches.Set(float64(len(res.Mismatches)))

	for _, m := range res.Mismatches {
		r.logger.Error("wallet does not match its ledger",
			"userId", m.UserID, "walletId", m.WalletID,
			"balance", money.Format(m.Balance), "ledgerBalance", money.Format(m.LedgerBalance),
			"pendingOut", money.Format(m.PendingOut), "ledgerPendingOut", money.Format(m.LedgerPendingOut))
	}
	r.logger.Info("reconciliation finished",
		"wallets", res.WalletsChecked, "mismatches", len(res.Mismatches), "duration", res.Duration)

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}

// Last returns the most recent result, or nil before the first run.
func (r *Runner) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
