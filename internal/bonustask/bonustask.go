// Package bonustask runs the optional paid add-on tasks attached to a
// session.
//
//	REQUESTED -> ACCEPTED -> SUBMITTED -> VALIDATED
//	REQUESTED -> REJECTED                 (tester declines)
//	SUBMITTED -> ACCEPTED                 (seller asks for rework)
//	any non-terminal -> CANCELLED         (seller withdraws)
//
// A task is created only while its session is ACCEPTED or later and not
// yet terminal or disputed. After that the task lives on its own: it can
// be validated after the session completes. Validation credits the reward
// to the tester as UGC_BONUS, keyed on the task.
package bonustask

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/idgen"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/traces"
)

const maxSubmissionURLs = 10

// CreateRequest contains the parameters for requesting a bonus task.
type CreateRequest struct {
	Type        market.BonusTaskType `json:"type" binding:"required"`
	Title       string               `json:"title" binding:"required"`
	Description string               `json:"description"`
	Reward      decimal.Decimal      `json:"reward"`
}

// SubmitRequest carries the tester's deliverables.
type SubmitRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

// Service implements the bonus task workflow.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new bonus task service.
func NewService(s store.Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ledger: l, logger: logger, now: time.Now}
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// parentOpen lists the session statuses under which new tasks may be
// requested.
var parentOpen = []market.SessionStatus{
	market.SessionAccepted, market.SessionInProgress, market.SessionSubmitted,
}

// Create requests a new task on a session the seller owns.
func (s *Service) Create(ctx context.Context, actor market.Actor, sessionID string, req CreateRequest) (b *market.BonusTask, err error) {
	ctx, span := traces.StartSpan(ctx, "bonustask.Create", traces.SessionID(sessionID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !req.Type.Valid() {
		return nil, market.Invalid("type", fmt.Sprintf("unknown bonus task type %q", req.Type))
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, market.Invalid("title", "required")
	}
	if !req.Reward.IsPositive() {
		return nil, market.Invalid("reward", "must be positive")
	}
	if !money.Round(req.Reward).Equal(req.Reward) {
		return nil, market.Invalid("reward", "at most 2 decimal places")
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := actor.Require("create bonus task", market.RoleSeller, sess.SellerID); err != nil {
			return err
		}
		if err := requireSession("create bonus task", sess.Status); err != nil {
			return err
		}
		now := s.timestamp()
		b = &market.BonusTask{
			ID:          idgen.WithPrefix(idgen.BonusTask),
			SessionID:   sess.ID,
			CampaignID:  sess.CampaignID,
			TesterID:    sess.TesterID,
			SellerID:    sess.SellerID,
			Type:        req.Type,
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Reward:      req.Reward,
			Status:      market.BonusRequested,
			RequestedAt: now,
			UpdatedAt:   now,
		}
		return tx.CreateBonusTask(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.record("create", actor, "", b)
	return b, nil
}

func requireSession(op string, st market.SessionStatus) error {
	for _, ok := range parentOpen {
		if st == ok {
			return nil
		}
	}
	names := make([]string, len(parentOpen))
	for i, ok := range parentOpen {
		names[i] = string(ok)
	}
	return &market.TransitionError{Op: op, Current: "session " + string(st), Allowed: names}
}

type step struct {
	op   string
	role market.Role
	from []market.BonusTaskStatus
	to   market.BonusTaskStatus
}

func (s *Service) transition(ctx context.Context, actor market.Actor, id string, st step,
	apply func(ctx context.Context, tx store.Tx, b *market.BonusTask, now time.Time) error,
) (b *market.BonusTask, err error) {
	ctx, span := traces.StartSpan(ctx, "bonustask."+st.op, traces.BonusTaskID(id), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	var from market.BonusTaskStatus
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err = tx.GetBonusTask(ctx, id)
		if err != nil {
			return err
		}
		owner := b.TesterID
		if st.role == market.RoleSeller {
			owner = b.SellerID
		}
		if err := actor.Require(st.op+" bonus task", st.role, owner); err != nil {
			return err
		}
		if err := requireStatus(st.op+" bonus task", b.Status, st.from...); err != nil {
			return err
		}
		from = b.Status
		now := s.timestamp()
		if apply != nil {
			if err := apply(ctx, tx, b, now); err != nil {
				return err
			}
		}
		b.Status = st.to
		b.UpdatedAt = now
		return tx.UpdateBonusTask(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.record(st.op, actor, from, b)
	return b, nil
}

func (s *Service) record(op string, actor market.Actor, from market.BonusTaskStatus, b *market.BonusTask) {
	metrics.BonusTaskTransitionsTotal.WithLabelValues(op, string(b.Status)).Inc()
	s.logger.Info("bonus task transition",
		"op", op, "bonusTaskId", b.ID, "sessionId", b.SessionID,
		"from", from, "to", b.Status, "actor", actor.ID)
}

func requireStatus(op string, current market.BonusTaskStatus, allowed ...market.BonusTaskStatus) error {
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

// Accept agrees to do the task.
func (s *Service) Accept(ctx context.Context, actor market.Actor, id string) (*market.BonusTask, error) {
	return s.transition(ctx, actor, id, step{
		op: "accept", role: market.RoleTester,
		from: []market.BonusTaskStatus{market.BonusRequested},
		to:   market.BonusAccepted,
	}, func(_ context.Context, _ store.Tx, b *market.BonusTask, now time.Time) error {
		b.AcceptedAt = &now
		return nil
	})
}

// Reject declines the task.
func (s *Service) Reject(ctx context.Context, actor market.Actor, id, reason string) (*market.BonusTask, error) {
	return s.transition(ctx, actor, id, step{
		op: "reject", role: market.RoleTester,
		from: []market.BonusTaskStatus{market.BonusRequested},
		to:   market.BonusRejected,
	}, func(_ context.Context, _ store.Tx, b *market.BonusTask, now time.Time) error {
		b.RejectionReason = strings.TrimSpace(reason)
		b.RejectedAt = &now
		return nil
	})
}

// Submit hands in the deliverables.
func (s *Service) Submit(ctx context.Context, actor market.Actor, id string, req SubmitRequest) (*market.BonusTask, error) {
	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, market.Invalid("urls", "at least one submission URL is required")
	}
	if len(urls) > maxSubmissionURLs {
		return nil, market.Invalid("urls", fmt.Sprintf("at most %d URLs", maxSubmissionURLs))
	}
	return s.transition(ctx, actor, id, step{
		op: "submit", role: market.RoleTester,
		from: []market.BonusTaskStatus{market.BonusAccepted},
		to:   market.BonusSubmitted,
	}, func(_ context.Context, _ store.Tx, b *market.BonusTask, now time.Time) error {
		b.SubmissionURLs = urls
		b.RejectionReason = ""
		b.SubmittedAt = &now
		return nil
	})
}

// Validate approves the submission and pays the reward. The parent
// session's status does not matter here.
func (s *Service) Validate(ctx context.Context, actor market.Actor, id string) (*market.BonusTask, error) {
	return s.transition(ctx, actor, id, step{
		op: "validate", role: market.RoleSeller,
		from: []market.BonusTaskStatus{market.BonusSubmitted},
		to:   market.BonusValidated,
	}, func(ctx context.Context, tx store.Tx, b *market.BonusTask, now time.Time) error {
		b.ValidatedAt = &now
		breakdown := s.ledger.Calculator().SplitBonusReward(b.Reward)
		_, err := s.ledger.PayoutTx(ctx, tx, ledger.Payout{
			TesterID:  b.TesterID,
			Ref:       b.ID,
			Type:      market.TxUGCBonus,
			Breakdown: breakdown,
			Metadata: market.Metadata{
				SessionID:   b.SessionID,
				BonusTaskID: b.ID,
				CampaignID:  b.CampaignID,
				Description: fmt.Sprintf("%s bonus: %s", b.Type, b.Title),
			},
		})
		if err != nil {
			return err
		}
		s.logger.Info("bonus task payout", "bonusTaskId", b.ID, "testerId", b.TesterID,
			"reward", money.Format(b.Reward), "net", money.Format(breakdown.Net))
		return nil
	})
}

// RejectSubmission sends a submission back for rework.
func (s *Service) RejectSubmission(ctx context.Context, actor market.Actor, id, reason string) (*market.BonusTask, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, market.Invalid("reason", "required")
	}
	return s.transition(ctx, actor, id, step{
		op: "reject submission", role: market.RoleSeller,
		from: []market.BonusTaskStatus{market.BonusSubmitted},
		to:   market.BonusAccepted,
	}, func(_ context.Context, _ store.Tx, b *market.BonusTask, _ time.Time) error {
		b.RejectionReason = reason
		b.SubmittedAt = nil
		return nil
	})
}

// Cancel withdraws the task.
func (s *Service) Cancel(ctx context.Context, actor market.Actor, id string) (*market.BonusTask, error) {
	return s.transition(ctx, actor, id, step{
		op: "cancel", role: market.RoleSeller,
		from: []market.BonusTaskStatus{market.BonusRequested, market.BonusAccepted, market.BonusSubmitted},
		to:   market.BonusCancelled,
	}, func(_ context.Context, _ store.Tx, b *market.BonusTask, now time.Time) error {
		b.CancelledAt = &now
		return nil
	})
}

// Get returns a task visible to actor.
func (s *Service) Get(ctx context.Context, actor market.Actor, id string) (*market.BonusTask, error) {
	var b *market.BonusTask
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.GetBonusTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor.Role != market.RoleAdmin && actor.ID != b.TesterID && actor.ID != b.SellerID {
		return nil, &market.ForbiddenError{Op: "view bonus task", Role: actor.Role, Required: market.RoleAdmin, Reason: "not a party to this session"}
	}
	return b, nil
}

// ListBySession returns the session's tasks, oldest first.
func (s *Service) ListBySession(ctx context.Context, actor market.Actor, sessionID string) ([]*market.BonusTask, error) {
	var out []*market.BonusTask
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if actor.Role != market.RoleAdmin && !sess.Party(actor.ID) {
			return &market.ForbiddenError{Op: "list bonus tasks", Role: actor.Role, Required: market.RoleAdmin, Reason: "not a party to this session"}
		}
		out, err = tx.ListBonusTasks(ctx, sessionID)
		return err
	})
	return out, err
}
