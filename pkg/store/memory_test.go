package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
)

func TestEnvelopeCASConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEnvelopeStore()

	env := &contracts.Envelope{
		ID:        "env_1",
		Version:   1,
		Status:    contracts.StatusProposed,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Create(ctx, env))

	// Two writers race from the same read.
	a, err := s.Get(ctx, "env_1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "env_1")
	require.NoError(t, err)

	require.NoError(t, a.Transition(contracts.StatusQueued, time.Now()))
	require.NoError(t, s.Update(ctx, a, 1))

	require.NoError(t, b.Transition(contracts.StatusDenied, time.Now()))
	assert.ErrorIs(t, s.Update(ctx, b, 1), contracts.ErrStaleVersion)
}

func TestApprovalCASExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()

	rec := &contracts.ApprovalRecord{
		ID:        "apr_1",
		Version:   1,
		Status:    contracts.ApprovalPending,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Create(ctx, rec))

	const writers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur, err := s.Get(ctx, "apr_1")
			if err != nil {
				return
			}
			cur.Status = contracts.ApprovalApproved
			cur.Version++
			if err := s.UpdateState(ctx, cur, 1); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one CAS update should win")
}

func TestLedgerAppendCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedgerStore()

	e1 := &contracts.AuditEntry{ID: "a1", EntryHash: "sha256:aa", PreviousEntryHash: ""}
	require.NoError(t, s.AppendCAS(ctx, e1, ""))

	// Appending with a stale head fails.
	e2 := &contracts.AuditEntry{ID: "a2", EntryHash: "sha256:bb", PreviousEntryHash: ""}
	assert.ErrorIs(t, s.AppendCAS(ctx, e2, ""), contracts.ErrStaleVersion)

	e2.PreviousEntryHash = "sha256:aa"
	require.NoError(t, s.AppendCAS(ctx, e2, "sha256:aa"))

	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", last.ID)
}

func TestSpendCalendarWindows(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySpendStore()

	// Wednesday 2026-03-04 12:00 UTC.
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Add(ctx, "p1", "ads", now.Add(-time.Hour), 100))            // today
	require.NoError(t, s.Add(ctx, "p1", "ads", now.AddDate(0, 0, -2), 50))           // Monday, same week
	require.NoError(t, s.Add(ctx, "p1", "ads", now.AddDate(0, 0, -3), 25))           // Sunday, prior week, same month
	require.NoError(t, s.Add(ctx, "p1", "ads", now.AddDate(0, -1, 0), 1000))         // prior month
	require.NoError(t, s.Add(ctx, "p2", "ads", now, 777))                            // other principal

	totals, err := s.WindowTotals(ctx, "p1", "ads", now)
	require.NoError(t, err)
	assert.InDelta(t, 100, totals.Daily, 0.001)
	assert.InDelta(t, 150, totals.Weekly, 0.001)
	assert.InDelta(t, 175, totals.Monthly, 0.001)
}

func TestIdentityOrgFallback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdentityStore()

	require.NoError(t, s.Put(ctx, &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded}))

	spec, err := s.Get(ctx, "p1", "org_9")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileGuarded, spec.Profile)

	_, err = s.Get(ctx, "missing", "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestPolicyListActiveOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore()

	require.NoError(t, s.Put(ctx, &contracts.Policy{ID: "b", Priority: 20, Active: true}))
	require.NoError(t, s.Put(ctx, &contracts.Policy{ID: "a", Priority: 10, Active: true}))
	require.NoError(t, s.Put(ctx, &contracts.Policy{ID: "c", Priority: 5, Active: false}))
	require.NoError(t, s.Put(ctx, &contracts.Policy{ID: "d", Priority: 10, Active: true, OrganizationID: "other"}))

	list, err := s.ListActive(ctx, "org_1", "ads")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
