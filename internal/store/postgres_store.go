package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/market"
)

// PostgresStore implements Store with PostgreSQL. Every unit of work runs
// at serializable isolation; serialization failures surface as
// market.ErrConflict so callers can retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema is managed
// by goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the pool for health checks and metrics.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// WithTx implements Store.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapPQError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return mapPQError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close implements Store.
func (p *PostgresStore) Close() error { return p.db.Close() }

// mapPQError turns retryable PostgreSQL failures into market.ErrConflict.
// Errors already in the market taxonomy pass through.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", market.ErrConflict, pqErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- campaigns ---

const campaignColumns = `id, seller_id, title, description, status, total_slots, available_slots,
	start_date, end_date, payment_tx_id, version, created_at, updated_at`

func (t *pgTx) CreateCampaign(ctx context.Context, c *market.Campaign) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.SellerID, c.Title, c.Description, string(c.Status), c.TotalSlots, c.AvailableSlots,
		nullTime(c.StartDate), nullTime(c.EndDate), c.PaymentTxID, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return t.writeOffers(ctx, c)
}

func (t *pgTx) writeOffers(ctx context.Context, c *market.Campaign) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM offers WHERE campaign_id = $1`, c.ID); err != nil {
		return fmt.Errorf("failed to clear offers: %w", err)
	}
	for i, o := range c.Offers {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO offers (id, campaign_id, position, product_id, product_name, expected_price,
				shipping_cost, bonus, reimbursed_price, reimbursed_shipping, max_reimbursed_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, o.ID, c.ID, i, o.ProductID, o.ProductName, o.ExpectedPrice, o.ShippingCost, o.Bonus,
			o.ReimbursedPrice, o.ReimbursedShipping, o.MaxReimbursedPrice, o.Quantity)
		if err != nil {
			return fmt.Errorf("failed to insert offer: %w", err)
		}
	}
	return nil
}

func scanCampaign(row rowScanner) (*market.Campaign, error) {
	c := &market.Campaign{}
	var status string
	var start, end sql.NullTime
	err := row.Scan(&c.ID, &c.SellerID, &c.Title, &c.Description, &status, &c.TotalSlots, &c.AvailableSlots,
		&start, &end, &c.PaymentTxID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = market.CampaignStatus(status)
	c.StartDate = timePtr(start)
	c.EndDate = timePtr(end)
	return c, nil
}

func (t *pgTx) loadOffers(ctx context.Context, c *market.Campaign) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, product_id, product_name, expected_price, shipping_cost, bonus,
			reimbursed_price, reimbursed_shipping, max_reimbursed_price, quantity
		FROM offers WHERE campaign_id = $1 ORDER BY position
	`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	c.Offers = nil
	for rows.Next() {
		o := &market.Offer{CampaignID: c.ID}
		if err := rows.Scan(&o.ID, &o.ProductID, &o.ProductName, &o.ExpectedPrice, &o.ShippingCost, &o.Bonus,
			&o.ReimbursedPrice, &o.ReimbursedShipping, &o.MaxReimbursedPrice, &o.Quantity); err != nil {
			return err
		}
		c.Offers = append(c.Offers, o)
	}
	return rows.Err()
}

func (t *pgTx) GetCampaign(ctx context.Context, id string) (*market.Campaign, error) {
	c, err := scanCampaign(t.tx.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("campaign", id)
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadOffers(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *pgTx) UpdateCampaign(ctx context.Context, c *market.Campaign) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE campaigns SET
			title = $3, description = $4, status = $5, start_date = $6, end_date = $7,
			payment_tx_id = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
	`, c.ID, c.Version, c.Title, c.Description, string(c.Status), nullTime(c.StartDate), nullTime(c.EndDate),
		c.PaymentTxID, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "campaigns", "campaign", c.ID); err != nil {
		return err
	}
	c.Version++
	return t.writeOffers(ctx, c)
}

// checkVersioned distinguishes a missing row from a stale version when an
// optimistic update matched nothing.
func (t *pgTx) checkVersioned(ctx context.Context, res sql.Result, table, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	// #nosec G202 -- table name is a package constant
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return market.NotFound(entity, id)
	}
	return market.ErrConflict
}

func (t *pgTx) ListCampaigns(ctx context.Context, sellerID string, limit int) ([]*market.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE ($1 = '' OR seller_id = $1)
		ORDER BY created_at DESC LIMIT $2
	`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	var out []*market.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		if err := t.loadOffers(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *pgTx) ReserveSlot(ctx context.Context, campaignID string) (int, error) {
	var available int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE campaigns SET available_slots = available_slots - 1, updated_at = NOW()
		WHERE id = $1 AND available_slots > 0
		RETURNING available_slots
	`, campaignID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := t.GetCampaign(ctx, campaignID); err != nil {
			return 0, err
		}
		return 0, market.ErrSlotsExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve slot: %w", err)
	}
	return available, nil
}

func (t *pgTx) ReleaseSlot(ctx context.Context, campaignID string) (int, error) {
	var available int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE campaigns SET available_slots = available_slots + 1, updated_at = NOW()
		WHERE id = $1 AND available_slots < total_slots
		RETURNING available_slots
	`, campaignID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := t.GetCampaign(ctx, campaignID); err != nil {
			return 0, err
		}
		return 0, market.Integrity("campaign %s: slot release would exceed total", campaignID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release slot: %w", err)
	}
	return available, nil
}

// --- sessions ---

const sessionColumns = `id, campaign_id, offer_id, product_id, tester_id, seller_id, status,
	application_message, slot_held, purchase_price, purchase_proof_url, validated_product_price,
	submission_note, rating, seller_feedback, rejection_reason, cancellation_reason, dispute,
	applied_at, accepted_at, purchase_submitted_at, purchase_validated_at, submitted_at,
	completed_at, rejected_at, cancelled_at, updated_at, version`

func sessionExtras(s *market.Session) (sql.NullInt64, sql.NullString, error) {
	var rating sql.NullInt64
	if s.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*s.Rating), Valid: true}
	}
	var dispute sql.NullString
	if s.Dispute != nil {
		b, err := json.Marshal(s.Dispute)
		if err != nil {
			return rating, dispute, err
		}
		dispute = sql.NullString{String: string(b), Valid: true}
	}
	return rating, dispute, nil
}

func scanSession(row rowScanner) (*market.Session, error) {
	s := &market.Session{}
	var status string
	var rating sql.NullInt64
	var dispute sql.NullString
	var accepted, purchaseSubmitted, purchaseValidated, submitted, completed, rejected, cancelled sql.NullTime
	err := row.Scan(&s.ID, &s.CampaignID, &s.OfferID, &s.ProductID, &s.TesterID, &s.SellerID, &status,
		&s.ApplicationMessage, &s.SlotHeld, &s.PurchasePrice, &s.PurchaseProofURL, &s.ValidatedProductPrice,
		&s.SubmissionNote, &rating, &s.SellerFeedback, &s.RejectionReason, &s.CancellationReason, &dispute,
		&s.AppliedAt, &accepted, &purchaseSubmitted, &purchaseValidated, &submitted,
		&completed, &rejected, &cancelled, &s.UpdatedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Status = market.SessionStatus(status)
	if rating.Valid {
		r := int(rating.Int64)
		s.Rating = &r
	}
	if dispute.Valid {
		s.Dispute = &market.Dispute{}
		if err := json.Unmarshal([]byte(dispute.String), s.Dispute); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
	}
	s.AcceptedAt = timePtr(accepted)
	s.PurchaseSubmittedAt = timePtr(purchaseSubmitted)
	s.PurchaseValidatedAt = timePtr(purchaseValidated)
	s.SubmittedAt = timePtr(submitted)
	s.CompletedAt = timePtr(completed)
	s.RejectedAt = timePtr(rejected)
	s.CancelledAt = timePtr(cancelled)
	return s, nil
}

func (t *pgTx) CreateSession(ctx context.Context, s *market.Session) error {
	rating, dispute, err := sessionExtras(s)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`, s.ID, s.CampaignID, s.OfferID, s.ProductID, s.TesterID, s.SellerID, string(s.Status),
		s.ApplicationMessage, s.SlotHeld, s.PurchasePrice, s.PurchaseProofURL, s.ValidatedProductPrice,
		s.SubmissionNote, rating, s.SellerFeedback, s.RejectionReason, s.CancellationReason, dispute,
		s.AppliedAt, nullTime(s.AcceptedAt), nullTime(s.PurchaseSubmittedAt), nullTime(s.PurchaseValidatedAt),
		nullTime(s.SubmittedAt), nullTime(s.CompletedAt), nullTime(s.RejectedAt), nullTime(s.CancelledAt),
		s.UpdatedAt, s.Version)
	if isUniqueViolation(err, "uq_sessions_campaign_tester") {
		return market.ErrAlreadyApplied
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *pgTx) GetSession(ctx context.Context, id string) (*market.Session, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("session", id)
	}
	return s, err
}

func (t *pgTx) UpdateSession(ctx context.Context, s *market.Session) error {
	rating, dispute, err := sessionExtras(s)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = $3, slot_held = $4, purchase_price = $5, purchase_proof_url = $6,
			validated_product_price = $7, submission_note = $8, rating = $9, seller_feedback = $10,
			rejection_reason = $11, cancellation_reason = $12, dispute = $13, accepted_at = $14,
			purchase_submitted_at = $15, purchase_validated_at = $16, submitted_at = $17,
			completed_at = $18, rejected_at = $19, cancelled_at = $20, updated_at = $21,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, s.ID, s.Version, string(s.Status), s.SlotHeld, s.PurchasePrice, s.PurchaseProofURL,
		s.ValidatedProductPrice, s.SubmissionNote, rating, s.SellerFeedback,
		s.RejectionReason, s.CancellationReason, dispute, nullTime(s.AcceptedAt),
		nullTime(s.PurchaseSubmittedAt), nullTime(s.PurchaseValidatedAt), nullTime(s.SubmittedAt),
		nullTime(s.CompletedAt), nullTime(s.RejectedAt), nullTime(s.CancelledAt), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "sessions", "session", s.ID); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (t *pgTx) ListSessions(ctx context.Context, f market.SessionFilter) ([]*market.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE ($1 = '' OR campaign_id = $1)
		  AND ($2 = '' OR tester_id = $2)
		  AND ($3 = '' OR seller_id = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY applied_at DESC LIMIT $5
	`, f.CampaignID, f.TesterID, f.SellerID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) CountSessions(ctx context.Context, campaignID string) (map[market.SessionStatus]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[market.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[market.SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- bonus tasks ---

const bonusColumns = `id, session_id, campaign_id, tester_id, seller_id, type, title, description,
	reward, status, submission_urls, rejection_reason, requested_at, accepted_at, rejected_at,
	submitted_at, validated_at, cancelled_at, updated_at, version`

func bonusArgs(b *market.BonusTask) []any {
	urls := b.SubmissionURLs
	if urls == nil {
		urls = []string{}
	}
	return []any{
		b.ID, b.SessionID, b.CampaignID, b.TesterID, b.SellerID, string(b.Type), b.Title, b.Description,
		b.Reward, string(b.Status), pq.Array(urls), b.RejectionReason, b.RequestedAt,
		nullTime(b.AcceptedAt), nullTime(b.RejectedAt), nullTime(b.SubmittedAt), nullTime(b.ValidatedAt),
		nullTime(b.CancelledAt), b.UpdatedAt, b.Version,
	}
}

func scanBonusTask(row rowScanner) (*market.BonusTask, error) {
	b := &market.BonusTask{}
	var typ, status string
	var urls pq.StringArray
	var accepted, rejected, submitted, validated, cancelled sql.NullTime
	err := row.Scan(&b.ID, &b.SessionID, &b.CampaignID, &b.TesterID, &b.SellerID, &typ, &b.Title, &b.Description,
		&b.Reward, &status, &urls, &b.RejectionReason, &b.RequestedAt, &accepted, &rejected,
		&submitted, &validated, &cancelled, &b.UpdatedAt, &b.Version)
	if err != nil {
		return nil, err
	}
	b.Type = market.BonusTaskType(typ)
	b.Status = market.BonusTaskStatus(status)
	if len(urls) > 0 {
		b.SubmissionURLs = []string(urls)
	}
	b.AcceptedAt = timePtr(accepted)
	b.RejectedAt = timePtr(rejected)
	b.SubmittedAt = timePtr(submitted)
	b.ValidatedAt = timePtr(validated)
	b.CancelledAt = timePtr(cancelled)
	return b, nil
}

func (t *pgTx) CreateBonusTask(ctx context.Context, b *market.BonusTask) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bonus_tasks (`+bonusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, bonusArgs(b)...)
	if err != nil {
		return fmt.Errorf("failed to insert bonus task: %w", err)
	}
	return nil
}

func (t *pgTx) GetBonusTask(ctx context.Context, id string) (*market.BonusTask, error) {
	b, err := scanBonusTask(t.tx.QueryRowContext(ctx, `SELECT `+bonusColumns+` FROM bonus_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("bonus task", id)
	}
	return b, err
}

func (t *pgTx) UpdateBonusTask(ctx context.Context, b *market.BonusTask) error {
	urls := b.SubmissionURLs
	if urls == nil {
		urls = []string{}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bonus_tasks SET
			status = $3, submission_urls = $4, rejection_reason = $5, accepted_at = $6,
			rejected_at = $7, submitted_at = $8, validated_at = $9, cancelled_at = $10,
			updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
	`, b.ID, b.Version, string(b.Status), pq.Array(urls), b.RejectionReason, nullTime(b.AcceptedAt),
		nullTime(b.RejectedAt), nullTime(b.SubmittedAt), nullTime(b.ValidatedAt), nullTime(b.CancelledAt),
		b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update bonus task: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "bonus_tasks", "bonus task", b.ID); err != nil {
		return err
	}
	b.Version++
	return nil
}

func (t *pgTx) ListBonusTasks(ctx context.Context, sessionID string) ([]*market.BonusTask, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+bonusColumns+` FROM bonus_tasks WHERE session_id = $1 ORDER BY requested_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.BonusTask
	for rows.Next() {
		b, err := scanBonusTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- ledger ---

const walletColumns = `id, user_id, currency, balance, pending_out, total_earned, total_withdrawn,
	version, created_at, updated_at`

func scanWallet(row rowScanner) (*market.Wallet, error) {
	w := &market.Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.PendingOut, &w.TotalEarned,
		&w.TotalWithdrawn, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (t *pgTx) EnsureWallet(ctx context.Context, userID, currency string) (*market.Wallet, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix(idgen.Wallet), userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return t.GetWallet(ctx, userID)
}

func (t *pgTx) GetWallet(ctx context.Context, userID string) (*market.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("wallet", userID)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *market.Wallet) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance = $3, pending_out = $4, total_earned = $5, total_withdrawn = $6,
			updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`, w.ID, w.Version, w.Balance, w.PendingOut, w.TotalEarned, w.TotalWithdrawn, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "wallets", "wallet", w.ID); err != nil {
		return err
	}
	w.Version++
	return nil
}

func (t *pgTx) ListWallets(ctx context.Context, afterUserID string, limit int) ([]*market.Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id > $1 ORDER BY user_id LIMIT $2
	`, afterUserID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const txColumns = `id, wallet_id, user_id, type, amount, status, idempotency_key, metadata, created_at, settled_at`

func scanTransaction(row rowScanner) (*market.Transaction, error) {
	tr := &market.Transaction{}
	var typ, status string
	var key sql.NullString
	var meta string
	var settled sql.NullTime
	if err := row.Scan(&tr.ID, &tr.WalletID, &tr.UserID, &typ, &tr.Amount, &status, &key, &meta,
		&tr.CreatedAt, &settled); err != nil {
		return nil, err
	}
	tr.Type = market.TransactionType(typ)
	tr.Status = market.TransactionStatus(status)
	tr.IdempotencyKey = key.String
	tr.SettledAt = timePtr(settled)
	if len(meta) > 0 {
		if err := json.Unmarshal([]byte(meta), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return tr, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *market.Transaction) error {
	meta, err := json.Marshal(tr.Metadata)
	if err != nil {
		return err
	}
	var key sql.NullString
	if tr.IdempotencyKey != "" {
		key = sql.NullString{String: tr.IdempotencyKey, Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tr.ID, tr.WalletID, tr.UserID, string(tr.Type), tr.Amount, string(tr.Status), key, string(meta),
		tr.CreatedAt, nullTime(tr.SettledAt))
	if isUniqueViolation(err, "uq_transactions_idempotency_key") {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*market.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("transaction", id)
	}
	return tr, err
}

func (t *pgTx) GetTransactionByKey(ctx context.Context, key string) (*market.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.NotFound("transaction", key)
	}
	return tr, err
}

func (t *pgTx) SettleTransaction(ctx context.Context, tr *market.Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, settled_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, tr.ID, string(tr.Status), nullTime(tr.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to settle transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetTransaction(ctx, tr.ID); err != nil {
			return err
		}
		return market.ErrConflict
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, walletID string, f market.TransactionFilter) ([]*market.Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + txColumns + ` FROM transactions WHERE wallet_id = $1`)
	args := []any{walletID}
	if f.Type != "" {
		args = append(args, string(f.Type))
		fmt.Fprintf(&b, " AND type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		fmt.Fprintf(&b, " AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) SumTransactions(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	var completed, pendingOut decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE
				WHEN status = 'COMPLETED' AND type IN ('CREDIT','UGC_BONUS','CAMPAIGN_REFUND','COMMISSION') THEN amount
				WHEN status = 'COMPLETED' AND type IN ('DEBIT','WITHDRAWAL') THEN -amount
				ELSE 0 END), 0),
			COALESCE(SUM(CASE
				WHEN status = 'PENDING' AND type IN ('DEBIT','WITHDRAWAL') THEN amount
				ELSE 0 END), 0)
		FROM transactions WHERE wallet_id = $1
	`, walletID).Scan(&completed, &pendingOut)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return completed, pendingOut, nil
}

var _ Store = (*PostgresStore)(nil)
var _ Tx = (*pgTx)(nil)
