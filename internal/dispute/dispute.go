// Package dispute freezes a session for admin review and applies the
// resolution.
//
// Declaring moves any non-terminal session to DISPUTED and remembers the
// status it came from. While disputed, every normal transition fails
// because none lists DISPUTED as a source. Resolving forces the session to
// COMPLETED, REJECTED, CANCELLED or back to the remembered status, and
// runs the ledger effect the forced status implies exactly once.
package dispute

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/session"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/traces"
)

const maxReasonLength = 2000

// DeclareRequest opens a dispute.
type DeclareRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest closes a dispute.
type ResolveRequest struct {
	Resolution string               `json:"resolution" binding:"required"`
	NewStatus  market.SessionStatus `json:"newStatus" binding:"required"`
}

// Service implements dispute declaration and resolution.
type Service struct {
	store    store.Store
	sessions *session.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service. Payouts and slot releases go
// through sessions so they share keys with the normal lifecycle.
func NewService(s store.Store, sessions *session.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, sessions: sessions, logger: logger, now: time.Now}
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Declare opens a dispute on a session. Either party may declare.
func (s *Service) Declare(ctx context.Context, actor market.Actor, sessionID string, req DeclareRequest) (sess *market.Session, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Declare", traces.SessionID(sessionID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, market.Invalid("reason", "required")
	}
	if len(reason) > maxReasonLength {
		return nil, market.Invalid("reason", "too long")
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err = tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if actor.Role != market.RoleTester && actor.Role != market.RoleSeller {
			return &market.ForbiddenError{Op: "declare dispute", Role: actor.Role, Required: market.RoleTester,
				Reason: "only the session's tester or seller may declare a dispute"}
		}
		if !sess.Party(actor.ID) {
			owner := sess.TesterID
			if actor.Role == market.RoleSeller {
				owner = sess.SellerID
			}
			return &market.ForbiddenError{Op: "declare dispute", Role: actor.Role, Required: actor.Role, Owner: owner,
				Reason: "not a party to this session"}
		}
		if sess.Status.Terminal() || sess.Status == market.SessionDisputed {
			return &market.TransitionError{
				Op:      "declare dispute",
				Current: string(sess.Status),
				Allowed: []string{
					string(market.SessionPending), string(market.SessionAccepted),
					string(market.SessionInProgress), string(market.SessionSubmitted),
				},
			}
		}
		now := s.timestamp()
		sess.Dispute = &market.Dispute{
			Reason:         reason,
			RaisedBy:       actor.ID,
			RaisedAt:       now,
			PreviousStatus: sess.Status,
		}
		sess.Status = market.SessionDisputed
		sess.UpdatedAt = now
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("declare", string(sess.Dispute.PreviousStatus)).Inc()
	metrics.SessionTransitionsTotal.WithLabelValues("dispute", string(sess.Status)).Inc()
	s.logger.Info("dispute declared",
		"sessionId", sess.ID, "from", sess.Dispute.PreviousStatus, "raisedBy", actor.ID)
	return sess, nil
}

// Resolve closes a dispute by forcing the session into req.NewStatus.
// Only admins may resolve.
func (s *Service) Resolve(ctx context.Context, actor market.Actor, sessionID string, req ResolveRequest) (sess *market.Session, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.SessionID(sessionID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if actor.Role != market.RoleAdmin {
		return nil, &market.ForbiddenError{Op: "resolve dispute", Role: actor.Role, Required: market.RoleAdmin}
	}
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		return nil, market.Invalid("resolution", "required")
	}
	if len(resolution) > maxReasonLength {
		return nil, market.Invalid("resolution", "too long")
	}
	if !req.NewStatus.Valid() || req.NewStatus == market.SessionDisputed {
		return nil, market.Invalid("newStatus", "unknown or disallowed status")
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err = tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != market.SessionDisputed || sess.Dispute == nil {
			return &market.TransitionError{Op: "resolve dispute", Current: string(sess.Status),
				Allowed: []string{string(market.SessionDisputed)}}
		}
		prev := sess.Dispute.PreviousStatus
		if !allowedOutcome(req.NewStatus, prev) {
			return market.Invalid("newStatus", "must be COMPLETED, REJECTED, CANCELLED or "+string(prev))
		}

		now := s.timestamp()
		switch req.NewStatus {
		case market.SessionCompleted:
			if _, err := s.sessions.PayoutTx(ctx, tx, sess); err != nil {
				return err
			}
			sess.CompletedAt = &now
		case market.SessionRejected:
			if err := s.sessions.ReleaseTx(ctx, tx, sess); err != nil {
				return err
			}
			sess.RejectionReason = resolution
			sess.RejectedAt = &now
		case market.SessionCancelled:
			if err := s.sessions.ReleaseTx(ctx, tx, sess); err != nil {
				return err
			}
			sess.CancellationReason = resolution
			sess.CancelledAt = &now
		}

		sess.Dispute.Resolution = resolution
		sess.Dispute.ResolvedBy = actor.ID
		sess.Dispute.ResolvedStatus = req.NewStatus
		sess.Dispute.ResolvedAt = &now
		sess.Status = req.NewStatus
		sess.UpdatedAt = now
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("resolve", string(sess.Status)).Inc()
	metrics.SessionTransitionsTotal.WithLabelValues("resolve", string(sess.Status)).Inc()
	s.logger.Info("dispute resolved",
		"sessionId", sess.ID, "from", market.SessionDisputed, "to", sess.Status, "actor", actor.ID)
	return sess, nil
}

func allowedOutcome(to, prev market.SessionStatus) bool {
	switch to {
	case market.SessionCompleted, market.SessionRejected, market.SessionCancelled:
		return true
	}
	return to == prev
}
