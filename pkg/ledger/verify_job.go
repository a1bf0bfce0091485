package ledger

import (
	"context"
	"log/slog"
	"time"
)

// DefaultVerifyInterval is how often the background job re-scans the
// chain when no override is configured.
const DefaultVerifyInterval = 24 * time.Hour

// VerifyJob periodically runs VerifyChain and logs the outcome. A
// broken chain is logged at error level; alerting hangs off the log
// pipeline rather than the job itself.
type VerifyJob struct {
	ledger   *Ledger
	interval time.Duration
	log      *slog.Logger

	// OnResult, if set, receives every scan result. Used by health
	// reporting and tests.
	OnResult func(VerifyResult)
}

// NewVerifyJob builds a job with the given interval (0 means
// DefaultVerifyInterval).
func NewVerifyJob(l *Ledger, interval time.Duration, log *slog.Logger) *VerifyJob {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &VerifyJob{ledger: l, interval: interval, log: log}
}

// Run blocks until ctx is done, scanning once per interval. The first
// scan happens one interval after start, not immediately, so process
// boot is not delayed by a long chain.
func (j *VerifyJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan.
func (j *VerifyJob) RunOnce(ctx context.Context) VerifyResult {
	start := time.Now()
	res, err := j.ledger.VerifyChain(ctx)
	if err != nil {
		j.log.Error("audit chain verification errored", slog.Any("error", err))
		return res
	}
	if res.Valid {
		j.log.Info("audit chain verified",
			slog.Int("entries", res.Entries),
			slog.Duration("took", time.Since(start)))
	} else {
		j.log.Error("audit chain verification FAILED",
			slog.Int("entries", res.Entries),
			slog.Int("broken_at", res.BrokenAt),
			slog.String("reason", res.Reason))
	}
	if j.OnResult != nil {
		j.OnResult(res)
	}
	return res
}
