package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/store"
)

// DefaultSweepInterval is how often pending approvals are checked for
// expiry.
const DefaultSweepInterval = 30 * time.Second

// Sweeper flips pending approvals past their ExpiresAt to expired and
// hands each one to the orchestrator for its envelope-side consequence
// (deny, or a fresh re-request).
type Sweeper struct {
	approvals store.ApprovalStore
	audit     *ledger.Ledger
	interval  time.Duration
	log       *slog.Logger
	clock     func() time.Time

	// OnExpired runs after a record flips to expired. The record's
	// ExpiredBehavior tells the handler what to do.
	OnExpired func(ctx context.Context, rec *contracts.ApprovalRecord)
}

// NewSweeper builds a sweeper (interval 0 means DefaultSweepInterval).
func NewSweeper(approvals store.ApprovalStore, audit *ledger.Ledger, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		approvals: approvals,
		audit:     audit,
		interval:  interval,
		log:       log,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run sweeps until ctx is done. An in-flight sweep completes before
// shutdown; no new sweep starts after cancellation.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires every overdue pending approval and returns how
// many flipped. A CAS loss means a responder won the race; the record
// is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.clock().UTC()
	overdue, err := s.approvals.ListExpired(ctx, now)
	if err != nil {
		s.log.Error("approval sweep list failed", slog.Any("error", err))
		return 0
	}

	flipped := 0
	for _, rec := range overdue {
		if rec.Status != contracts.ApprovalPending {
			continue
		}
		expectedVersion := rec.Version
		rec.Status = contracts.ApprovalExpiredState
		rec.Version++
		if err := s.approvals.UpdateState(ctx, rec, expectedVersion); err != nil {
			if !errors.Is(err, contracts.ErrStaleVersion) {
				s.log.Error("approval expiry update failed",
					slog.String("approval_id", rec.ID), slog.Any("error", err))
			}
			continue
		}
		flipped++

		if _, err := s.audit.Record(ctx, ledger.Event{
			Type:         contracts.EventApprovalExpired,
			ActorType:    contracts.ActorSystem,
			ActorID:      "approval-sweeper",
			EntityType:   "approval",
			EntityID:     rec.ID,
			RiskCategory: rec.RiskCategory,
			Summary:      "approval request expired before a response",
			Snapshot: map[string]any{
				"expired_behavior": string(rec.ExpiredBehavior),
				"expires_at":       rec.ExpiresAt,
				"requirement":      string(rec.Requirement),
			},
			EnvelopeID: rec.EnvelopeID,
		}); err != nil {
			s.log.Error("approval expiry audit failed",
				slog.String("approval_id", rec.ID), slog.Any("error", err))
		}

		if s.OnExpired != nil {
			s.OnExpired(ctx, rec)
		}
	}
	return flipped
}
