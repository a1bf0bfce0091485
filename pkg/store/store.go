// Package store defines the storage interfaces of the governance runtime
// and provides in-memory, Postgres, and SQLite implementations.
//
// All writes are single-writer per key via version CAS; reads are
// lock-free. The in-memory implementations exist for dev and tests only
// and are restricted to a single process.
package store

import (
	"context"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

// EnvelopeStore persists lifecycle envelopes.
type EnvelopeStore interface {
	Create(ctx context.Context, env *contracts.Envelope) error

	Get(ctx context.Context, id string) (*contracts.Envelope, error)

	// Update commits env conditional on the stored version equaling
	// expectedVersion. Returns contracts.ErrStaleVersion on mismatch.
	Update(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error

	// ListByStatus returns envelopes in a status, oldest first.
	ListByStatus(ctx context.Context, status contracts.EnvelopeStatus, limit int) ([]*contracts.Envelope, error)
}

// ApprovalStore persists approval records with optimistic concurrency.
type ApprovalStore interface {
	Create(ctx context.Context, rec *contracts.ApprovalRecord) error

	Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error)

	// UpdateState commits rec conditional on the stored version equaling
	// expectedVersion. Returns contracts.ErrStaleVersion on mismatch.
	UpdateState(ctx context.Context, rec *contracts.ApprovalRecord, expectedVersion int64) error

	// ListPending returns pending records, oldest first.
	ListPending(ctx context.Context, limit int) ([]*contracts.ApprovalRecord, error)

	// ListExpired returns pending records whose ExpiresAt is before now.
	ListExpired(ctx context.Context, now time.Time) ([]*contracts.ApprovalRecord, error)
}

// PolicyStore persists declarative policies.
type PolicyStore interface {
	Put(ctx context.Context, p *contracts.Policy) error
	Get(ctx context.Context, id string) (*contracts.Policy, error)
	Delete(ctx context.Context, id string) error

	// ListActive returns active policies in scope for the org/cartridge
	// pair, ascending by priority.
	ListActive(ctx context.Context, organizationID, cartridgeID string) ([]*contracts.Policy, error)
}

// IdentityStore persists per-principal identity specs.
type IdentityStore interface {
	Put(ctx context.Context, spec *contracts.IdentitySpec) error
	Get(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error)
}

// AuditFilter selects audit entries. Zero values are wildcards.
type AuditFilter struct {
	EventType  contracts.AuditEventType
	EntityType string
	EntityID   string
	EnvelopeID string
	After      time.Time
	Before     time.Time
	Limit      int
}

// LedgerStore persists the hash-chained audit log.
type LedgerStore interface {
	// AppendCAS inserts entry conditional on the current chain head hash
	// equaling expectedPrev. Returns contracts.ErrStaleVersion when
	// another appender won the race; the ledger re-reads and retries.
	AppendCAS(ctx context.Context, entry *contracts.AuditEntry, expectedPrev string) error

	// Last returns the most recently appended entry, or nil for an empty
	// chain.
	Last(ctx context.Context) (*contracts.AuditEntry, error)

	// Query returns entries matching the filter in ascending timestamp
	// order (position order for equal timestamps).
	Query(ctx context.Context, filter AuditFilter) ([]*contracts.AuditEntry, error)
}

// SpendStore accumulates executed spend for limit windows. Rollups use
// event time (execution completion), not wall clock at query time, and
// windows are calendar-aligned in UTC.
type SpendStore interface {
	Add(ctx context.Context, principalID, cartridgeID string, executedAt time.Time, dollars float64) error

	// WindowTotals returns the daily/weekly/monthly totals containing now.
	WindowTotals(ctx context.Context, principalID, cartridgeID string, now time.Time) (SpendTotals, error)
}

// SpendTotals are the calendar-window sums for one principal/cartridge.
type SpendTotals struct {
	Daily   float64
	Weekly  float64
	Monthly float64
}

// DayStart returns the UTC calendar day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the UTC Monday 00:00 of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	day := DayStart(t)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return day.AddDate(0, 0, -(weekday - 1))
}

// MonthStart returns the UTC first-of-month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
