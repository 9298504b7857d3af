package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/market"
)

// MemoryStore is an in-memory Store for development and tests. Units of work
// are serialized by one mutex and rolled back through an undo log.
type MemoryStore struct {
	mu sync.Mutex

	campaigns       map[string]*market.Campaign
	sessions        map[string]*market.Session
	sessionByTester map[string]string // campaignID|testerID -> session id
	bonusTasks      map[string]*market.BonusTask
	bonusBySession  map[string][]string
	wallets         map[string]*market.Wallet // by user id
	txs             map[string]*market.Transaction
	txByKey         map[string]string
	txByWallet      map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:       make(map[string]*market.Campaign),
		sessions:        make(map[string]*market.Session),
		sessionByTester: make(map[string]string),
		bonusTasks:      make(map[string]*market.BonusTask),
		bonusBySession:  make(map[string][]string),
		wallets:         make(map[string]*market.Wallet),
		txs:             make(map[string]*market.Transaction),
		txByKey:         make(map[string]string),
		txByWallet:      make(map[string][]string),
	}
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func testerKey(campaignID, testerID string) string {
	return campaignID + "|" + testerID
}

// --- campaigns ---

func (t *memTx) CreateCampaign(ctx context.Context, c *market.Campaign) error {
	m := t.m
	if _, ok := m.campaigns[c.ID]; ok {
		return market.Invalid("id", "campaign already exists")
	}
	m.campaigns[c.ID] = c.Clone()
	t.onRollback(func() { delete(m.campaigns, c.ID) })
	return nil
}

func (t *memTx) GetCampaign(ctx context.Context, id string) (*market.Campaign, error) {
	c, ok := t.m.campaigns[id]
	if !ok {
		return nil, market.NotFound("campaign", id)
	}
	return c.Clone(), nil
}

func (t *memTx) UpdateCampaign(ctx context.Context, c *market.Campaign) error {
	m := t.m
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return market.NotFound("campaign", c.ID)
	}
	if cur.Version != c.Version {
		return market.ErrConflict
	}
	next := c.Clone()
	next.Version++
	next.TotalSlots = cur.TotalSlots
	next.AvailableSlots = cur.AvailableSlots
	m.campaigns[c.ID] = next
	t.onRollback(func() { m.campaigns[c.ID] = cur })
	c.Version = next.Version
	return nil
}

func (t *memTx) ListCampaigns(ctx context.Context, sellerID string, limit int) ([]*market.Campaign, error) {
	var out []*market.Campaign
	for _, c := range t.m.campaigns {
		if sellerID == "" || c.SellerID == sellerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ReserveSlot(ctx context.Context, campaignID string) (int, error) {
	c, ok := t.m.campaigns[campaignID]
	if !ok {
		return 0, market.NotFound("campaign", campaignID)
	}
	if c.AvailableSlots <= 0 {
		return 0, market.ErrSlotsExhausted
	}
	c.AvailableSlots--
	t.onRollback(func() { c.AvailableSlots++ })
	return c.AvailableSlots, nil
}

func (t *memTx) ReleaseSlot(ctx context.Context, campaignID string) (int, error) {
	c, ok := t.m.campaigns[campaignID]
	if !ok {
		return 0, market.NotFound("campaign", campaignID)
	}
	if c.AvailableSlots >= c.TotalSlots {
		return 0, market.Integrity("campaign %s: slot release would exceed total %d", campaignID, c.TotalSlots)
	}
	c.AvailableSlots++
	t.onRollback(func() { c.AvailableSlots-- })
	return c.AvailableSlots, nil
}

// --- sessions ---

func (t *memTx) CreateSession(ctx context.Context, s *market.Session) error {
	m := t.m
	key := testerKey(s.CampaignID, s.TesterID)
	if _, ok := m.sessionByTester[key]; ok {
		return market.ErrAlreadyApplied
	}
	m.sessions[s.ID] = s.Clone()
	m.sessionByTester[key] = s.ID
	t.onRollback(func() {
		delete(m.sessions, s.ID)
		delete(m.sessionByTester, key)
	})
	return nil
}

func (t *memTx) GetSession(ctx context.Context, id string) (*market.Session, error) {
	s, ok := t.m.sessions[id]
	if !ok {
		return nil, market.NotFound("session", id)
	}
	return s.Clone(), nil
}

func (t *memTx) UpdateSession(ctx context.Context, s *market.Session) error {
	m := t.m
	cur, ok := m.sessions[s.ID]
	if !ok {
		return market.NotFound("session", s.ID)
	}
	if cur.Version != s.Version {
		return market.ErrConflict
	}
	next := s.Clone()
	next.Version++
	m.sessions[s.ID] = next
	t.onRollback(func() { m.sessions[s.ID] = cur })
	s.Version = next.Version
	return nil
}

func (t *memTx) ListSessions(ctx context.Context, f market.SessionFilter) ([]*market.Session, error) {
	var out []*market.Session
	for _, s := range t.m.sessions {
		if f.CampaignID != "" && s.CampaignID != f.CampaignID {
			continue
		}
		if f.TesterID != "" && s.TesterID != f.TesterID {
			continue
		}
		if f.SellerID != "" && s.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) CountSessions(ctx context.Context, campaignID string) (map[market.SessionStatus]int, error) {
	counts := make(map[market.SessionStatus]int)
	for _, s := range t.m.sessions {
		if s.CampaignID == campaignID {
			counts[s.Status]++
		}
	}
	return counts, nil
}

// --- bonus tasks ---

func (t *memTx) CreateBonusTask(ctx context.Context, b *market.BonusTask) error {
	m := t.m
	m.bonusTasks[b.ID] = b.Clone()
	prev := m.bonusBySession[b.SessionID]
	m.bonusBySession[b.SessionID] = append(append([]string(nil), prev...), b.ID)
	t.onRollback(func() {
		delete(m.bonusTasks, b.ID)
		m.bonusBySession[b.SessionID] = prev
	})
	return nil
}

func (t *memTx) GetBonusTask(ctx context.Context, id string) (*market.BonusTask, error) {
	b, ok := t.m.bonusTasks[id]
	if !ok {
		return nil, market.NotFound("bonus task", id)
	}
	return b.Clone(), nil
}

func (t *memTx) UpdateBonusTask(ctx context.Context, b *market.BonusTask) error {
	m := t.m
	cur, ok := m.bonusTasks[b.ID]
	if !ok {
		return market.NotFound("bonus task", b.ID)
	}
	if cur.Version != b.Version {
		return market.ErrConflict
	}
	next := b.Clone()
	next.Version++
	m.bonusTasks[b.ID] = next
	t.onRollback(func() { m.bonusTasks[b.ID] = cur })
	b.Version = next.Version
	return nil
}

func (t *memTx) ListBonusTasks(ctx context.Context, sessionID string) ([]*market.BonusTask, error) {
	ids := t.m.bonusBySession[sessionID]
	out := make([]*market.BonusTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.m.bonusTasks[id].Clone())
	}
	return out, nil
}

// --- ledger ---

func (t *memTx) EnsureWallet(ctx context.Context, userID, currency string) (*market.Wallet, error) {
	m := t.m
	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	now := time.Now().UTC()
	w := &market.Wallet{
		ID:        idgen.WithPrefix(idgen.Wallet),
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.wallets[userID] = w
	t.onRollback(func() { delete(m.wallets, userID) })
	cp := *w
	return &cp, nil
}

func (t *memTx) GetWallet(ctx context.Context, userID string) (*market.Wallet, error) {
	w, ok := t.m.wallets[userID]
	if !ok {
		return nil, market.NotFound("wallet", userID)
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *market.Wallet) error {
	m := t.m
	cur, ok := m.wallets[w.UserID]
	if !ok {
		return market.NotFound("wallet", w.UserID)
	}
	if cur.Version != w.Version {
		return market.ErrConflict
	}
	next := *w
	next.Version++
	m.wallets[w.UserID] = &next
	t.onRollback(func() { m.wallets[w.UserID] = cur })
	w.Version = next.Version
	return nil
}

func (t *memTx) ListWallets(ctx context.Context, afterUserID string, limit int) ([]*market.Wallet, error) {
	users := make([]string, 0, len(t.m.wallets))
	for u := range t.m.wallets {
		if u > afterUserID {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	out := make([]*market.Wallet, 0, len(users))
	for _, u := range users {
		cp := *t.m.wallets[u]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *market.Transaction) error {
	m := t.m
	if tr.IdempotencyKey != "" {
		if _, ok := m.txByKey[tr.IdempotencyKey]; ok {
			return ErrDuplicateKey
		}
		m.txByKey[tr.IdempotencyKey] = tr.ID
	}
	m.txs[tr.ID] = tr.Clone()
	prev := m.txByWallet[tr.WalletID]
	m.txByWallet[tr.WalletID] = append(append([]string(nil), prev...), tr.ID)
	t.onRollback(func() {
		delete(m.txs, tr.ID)
		if tr.IdempotencyKey != "" {
			delete(m.txByKey, tr.IdempotencyKey)
		}
		m.txByWallet[tr.WalletID] = prev
	})
	return nil
}

func (t *memTx) GetTransaction(ctx context.Context, id string) (*market.Transaction, error) {
	tr, ok := t.m.txs[id]
	if !ok {
		return nil, market.NotFound("transaction", id)
	}
	return tr.Clone(), nil
}

func (t *memTx) GetTransactionByKey(ctx context.Context, key string) (*market.Transaction, error) {
	id, ok := t.m.txByKey[key]
	if !ok {
		return nil, market.NotFound("transaction", key)
	}
	return t.m.txs[id].Clone(), nil
}

func (t *memTx) SettleTransaction(ctx context.Context, tr *market.Transaction) error {
	m := t.m
	cur, ok := m.txs[tr.ID]
	if !ok {
		return market.NotFound("transaction", tr.ID)
	}
	if cur.Status != market.TxPending {
		return market.ErrConflict
	}
	next := cur.Clone()
	next.Status = tr.Status
	next.SettledAt = tr.SettledAt
	m.txs[tr.ID] = next
	t.onRollback(func() { m.txs[tr.ID] = cur })
	return nil
}

func (t *memTx) ListTransactions(ctx context.Context, walletID string, f market.TransactionFilter) ([]*market.Transaction, error) {
	ids := t.m.txByWallet[walletID]
	var out []*market.Transaction
	for i := len(ids) - 1; i >= 0; i-- {
		tr := t.m.txs[ids[i]]
		if f.Type != "" && tr.Type != f.Type {
			continue
		}
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		if f.Before != nil && !before(tr, f.Before) {
			continue
		}
		out = append(out, tr.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return after(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// before reports whether tr sorts strictly after the cursor in a
// newest-first listing.
func before(tr *market.Transaction, c *market.Cursor) bool {
	if tr.CreatedAt.Equal(c.CreatedAt) {
		return tr.ID < c.ID
	}
	return tr.CreatedAt.Before(c.CreatedAt)
}

func after(a, b *market.Transaction) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (t *memTx) SumTransactions(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	completed, pendingOut := decimal.Zero, decimal.Zero
	for _, id := range t.m.txByWallet[walletID] {
		tr := t.m.txs[id]
		switch {
		case tr.Status == market.TxCompleted:
			completed = completed.Add(tr.Amount.Mul(decimal.NewFromInt(int64(tr.Type.Direction()))))
		case tr.Status == market.TxPending && tr.Type.Direction() < 0:
			pendingOut = pendingOut.Add(tr.Amount)
		}
	}
	return completed, pendingOut, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Tx = (*memTx)(nil)
