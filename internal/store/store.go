// Package store persists marketplace state behind a unit of work.
//
// Every state-mutating operation runs inside Store.WithTx: the status write,
// the campaign slot adjustment and the ledger rows commit together or not at
// all. Rows carry a version; updates verify the version read earlier and fail
// with market.ErrConflict when another writer got there first.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/market"
)

// ErrDuplicateKey is returned when a transaction's idempotency key exists.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// Store opens units of work.
type Store interface {
	// WithTx runs fn in one atomic transaction. fn's error rolls back
	// everything it wrote. fn must not call WithTx again.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of repositories visible inside a unit of work.
type Tx interface {
	Campaigns
	Sessions
	BonusTasks
	Ledger
}

// Campaigns persists campaigns, offers and slot counters.
type Campaigns interface {
	CreateCampaign(ctx context.Context, c *market.Campaign) error
	GetCampaign(ctx context.Context, id string) (*market.Campaign, error)
	// UpdateCampaign writes status, dates, payment reference and offers,
	// checking c.Version. Slot counters are not touched.
	UpdateCampaign(ctx context.Context, c *market.Campaign) error
	ListCampaigns(ctx context.Context, sellerID string, limit int) ([]*market.Campaign, error)
	// ReserveSlot decrements available slots and returns the new count,
	// failing with market.ErrSlotsExhausted at zero.
	ReserveSlot(ctx context.Context, campaignID string) (int, error)
	// ReleaseSlot increments available slots and returns the new count.
	// Releasing past the total is an integrity error.
	ReleaseSlot(ctx context.Context, campaignID string) (int, error)
}

// Sessions persists test sessions.
type Sessions interface {
	// CreateSession fails with market.ErrAlreadyApplied when the tester
	// already has a session for the campaign.
	CreateSession(ctx context.Context, s *market.Session) error
	GetSession(ctx context.Context, id string) (*market.Session, error)
	UpdateSession(ctx context.Context, s *market.Session) error
	ListSessions(ctx context.Context, f market.SessionFilter) ([]*market.Session, error)
	CountSessions(ctx context.Context, campaignID string) (map[market.SessionStatus]int, error)
}

// BonusTasks persists bonus tasks.
type BonusTasks interface {
	CreateBonusTask(ctx context.Context, b *market.BonusTask) error
	GetBonusTask(ctx context.Context, id string) (*market.BonusTask, error)
	UpdateBonusTask(ctx context.Context, b *market.BonusTask) error
	ListBonusTasks(ctx context.Context, sessionID string) ([]*market.BonusTask, error)
}

// Ledger persists wallets and transactions.
type Ledger interface {
	// EnsureWallet returns the user's wallet, creating an empty one.
	EnsureWallet(ctx context.Context, userID, currency string) (*market.Wallet, error)
	GetWallet(ctx context.Context, userID string) (*market.Wallet, error)
	UpdateWallet(ctx context.Context, w *market.Wallet) error
	ListWallets(ctx context.Context, afterUserID string, limit int) ([]*market.Wallet, error)

	// InsertTransaction appends a row. A non-empty idempotency key that
	// already exists yields ErrDuplicateKey.
	InsertTransaction(ctx context.Context, t *market.Transaction) error
	GetTransaction(ctx context.Context, id string) (*market.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*market.Transaction, error)
	// SettleTransaction moves a row from PENDING to status.
	SettleTransaction(ctx context.Context, t *market.Transaction) error
	ListTransactions(ctx context.Context, walletID string, f market.TransactionFilter) ([]*market.Transaction, error)
	// SumTransactions returns the signed sum of COMPLETED rows and the sum
	// of PENDING debit rows for a wallet.
	SumTransactions(ctx context.Context, walletID string) (completed, pendingOut decimal.Decimal, err error)
}
