package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger row. The amount is always
// non-negative; Direction gives its effect on the wallet balance.
type TransactionType string

const (
	TxCampaignPayment TransactionType = "CAMPAIGN_PAYMENT"
	TxCredit          TransactionType = "CREDIT"
	TxDebit           TransactionType = "DEBIT"
	TxCampaignRefund  TransactionType = "CAMPAIGN_REFUND"
	TxUGCBonus        TransactionType = "UGC_BONUS"
	TxWithdrawal      TransactionType = "WITHDRAWAL"
	TxCommission      TransactionType = "COMMISSION"
)

// Direction is +1 for types that add to the balance, -1 for types that
// remove from it and 0 for balance-neutral records.
func (t TransactionType) Direction() int {
	switch t {
	case TxCredit, TxUGCBonus, TxCampaignRefund, TxCommission:
		return 1
	case TxDebit, TxWithdrawal:
		return -1
	}
	return 0
}

// Earning reports whether completed rows of this type count toward totalEarned.
func (t TransactionType) Earning() bool {
	switch t {
	case TxCredit, TxUGCBonus, TxCommission:
		return true
	}
	return false
}

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxCampaignPayment, TxCredit, TxDebit, TxCampaignRefund, TxUGCBonus, TxWithdrawal, TxCommission:
		return true
	}
	return false
}

// TransactionStatus is the settlement state of a ledger row.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxRefunded  TransactionStatus = "REFUNDED"
)

// Wallet is the materialized balance of one user. Only the ledger mutates it.
type Wallet struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	PendingOut     decimal.Decimal `json:"pendingOut"`
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn decimal.Decimal `json:"totalWithdrawn"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Available is the balance not reserved by pending debits.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.PendingOut)
}

// Transaction is an append-only ledger row. Only Status (PENDING to a
// final state) and the completion timestamp ever change.
type Transaction struct {
	ID             string            `json:"id"`
	WalletID       string            `json:"walletId"`
	UserID         string            `json:"userId"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Metadata       Metadata          `json:"metadata"`
	CreatedAt      time.Time         `json:"createdAt"`
	SettledAt      *time.Time        `json:"settledAt,omitempty"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Metadata = t.Metadata.clone()
	return &cp
}

// Metadata links a transaction to its cause and carries the amount
// breakdown for commission-bearing rows.
type Metadata struct {
	SessionID   string           `json:"sessionId,omitempty"`
	BonusTaskID string           `json:"bonusTaskId,omitempty"`
	CampaignID  string           `json:"campaignId,omitempty"`
	ExternalRef string           `json:"externalRef,omitempty"`
	Description string           `json:"description,omitempty"`
	Payout      *PayoutBreakdown `json:"payout,omitempty"`
	Charge      *ChargeBreakdown `json:"charge,omitempty"`
}

func (m Metadata) clone() Metadata {
	if m.Payout != nil {
		p := *m.Payout
		m.Payout = &p
	}
	if m.Charge != nil {
		c := *m.Charge
		m.Charge = &c
	}
	return m
}

// PayoutBreakdown records how a tester credit was computed.
// Base - Commission == Net == transaction amount.
type PayoutBreakdown struct {
	Reimbursement decimal.Decimal `json:"reimbursement"`
	Bonus         decimal.Decimal `json:"bonus"`
	Base          decimal.Decimal `json:"base"`
	Rate          decimal.Decimal `json:"rate"`
	Commission    decimal.Decimal `json:"commission"`
	Net           decimal.Decimal `json:"net"`
}

// ChargeBreakdown records how a campaign payment was computed.
// ProductsAmount + PlatformCommission == TotalCharge == transaction amount.
type ChargeBreakdown struct {
	ProductsAmount     decimal.Decimal `json:"productsAmount"`
	Rate               decimal.Decimal `json:"rate"`
	PlatformCommission decimal.Decimal `json:"platformCommission"`
	TotalCharge        decimal.Decimal `json:"totalCharge"`
}

// IdempotencyKey is the dedupe key for a ledger movement caused by ref
// (a session, bonus task or campaign id).
func IdempotencyKey(ref string, t TransactionType) string {
	return ref + ":" + string(t)
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Type   TransactionType
	Status TransactionStatus
	Before *Cursor
	Limit  int
}

// Cursor is a keyset position in a newest-first listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
