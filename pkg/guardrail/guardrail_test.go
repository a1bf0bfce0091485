package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/store"
)

func f64(v float64) *float64 { return &v }

func testEngine(t *testing.T) (*Engine, *store.MemorySpendStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	spend := store.NewMemorySpendStore()
	e := NewEngine(NewMemoryState(), spend).WithClock(func() time.Time { return now })
	return e, spend, &now
}

func TestRateLimitWindow(t *testing.T) {
	e, _, now := testEngine(t)
	ctx := context.Background()

	spec := contracts.GuardrailSpec{
		RateLimits: []contracts.RateLimitSpec{
			{Scope: "campaign", MaxActions: 2, WindowMs: 60_000},
		},
	}

	// Below the limit.
	hit, err := e.CheckRateLimits(ctx, "p1", "ads.campaign.pause", spec.RateLimits)
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.NoError(t, e.Commit(ctx, "p1", "ads", "ads.campaign.pause", "camp_1", 0, &spec))
	require.NoError(t, e.Commit(ctx, "p1", "ads", "ads.campaign.pause", "camp_1", 0, &spec))

	hit, err = e.CheckRateLimits(ctx, "p1", "ads.campaign.pause", spec.RateLimits)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "rate limit exceeded")

	// Another principal is unaffected.
	hit, err = e.CheckRateLimits(ctx, "p2", "ads.campaign.pause", spec.RateLimits)
	require.NoError(t, err)
	assert.Nil(t, hit)

	// The window slides: past the window the count resets.
	*now = now.Add(61 * time.Second)
	hit, err = e.CheckRateLimits(ctx, "p1", "ads.campaign.pause", spec.RateLimits)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestRateLimitActionScoped(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	specs := []contracts.RateLimitSpec{
		{Scope: "budget", ActionType: "ads.budget.adjust", MaxActions: 1, WindowMs: 60_000},
	}
	spec := contracts.GuardrailSpec{RateLimits: specs}

	require.NoError(t, e.Commit(ctx, "p1", "ads", "ads.budget.adjust", "camp_1", 0, &spec))

	// A different action type does not consume the scoped limit.
	hit, err := e.CheckRateLimits(ctx, "p1", "ads.campaign.pause", specs)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = e.CheckRateLimits(ctx, "p1", "ads.budget.adjust", specs)
	require.NoError(t, err)
	assert.NotNil(t, hit)
}

func TestCooldown(t *testing.T) {
	e, _, now := testEngine(t)
	ctx := context.Background()

	spec := contracts.GuardrailSpec{
		Cooldowns: []contracts.CooldownSpec{
			{ActionType: "ads.budget.adjust", Scope: "budget", CooldownMs: 30_000},
		},
	}

	hit, err := e.CheckCooldowns(ctx, "p1", "ads.budget.adjust", spec.Cooldowns)
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.NoError(t, e.Commit(ctx, "p1", "ads", "ads.budget.adjust", "camp_1", 0, &spec))

	*now = now.Add(10 * time.Second)
	hit, err = e.CheckCooldowns(ctx, "p1", "ads.budget.adjust", spec.Cooldowns)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "cooldown active")

	*now = now.Add(21 * time.Second)
	hit, err = e.CheckCooldowns(ctx, "p1", "ads.budget.adjust", spec.Cooldowns)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestCheckProtected(t *testing.T) {
	entities := []contracts.ResolvedEntity{
		{Status: contracts.ResolutionResolved, Entity: &contracts.EntityRef{ID: "camp_1", Kind: "campaign"}},
	}

	assert.Nil(t, CheckProtected(entities, nil))
	assert.Nil(t, CheckProtected(entities, []string{"camp_2"}))

	hit := CheckProtected(entities, []string{"camp_1"})
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "camp_1")

	// The resolver can mark an entity protected directly.
	flagged := []contracts.ResolvedEntity{
		{Status: contracts.ResolutionResolved, Entity: &contracts.EntityRef{ID: "camp_3", Protected: true}},
	}
	assert.NotNil(t, CheckProtected(flagged, nil))
}

func TestCheckSpendDailyLimit(t *testing.T) {
	e, spend, now := testEngine(t)
	ctx := context.Background()

	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		SpendLimits: &contracts.SpendLimits{Daily: f64(500)},
	}

	require.NoError(t, spend.Add(ctx, "p1", "ads", now.Add(-time.Hour), 400))

	hit, err := e.CheckSpend(ctx, identity, "ads", 50)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = e.CheckSpend(ctx, identity, "ads", 150)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "daily spend limit exceeded")
	assert.Equal(t, "daily", hit.Data["window"])
}

func TestCheckSpendPerAction(t *testing.T) {
	e, _, _ := testEngine(t)

	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		SpendLimits: &contracts.SpendLimits{PerAction: f64(100)},
	}

	hit, err := e.CheckSpend(context.Background(), identity, "ads", 101)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "per-action")
}

func TestCheckSpendPerCartridge(t *testing.T) {
	e, spend, now := testEngine(t)
	ctx := context.Background()

	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		CartridgeSpend: map[string]*contracts.SpendLimits{
			"ads": {Monthly: f64(1000)},
		},
	}

	// Spend against another cartridge does not count.
	require.NoError(t, spend.Add(ctx, "p1", "payments", now.Add(-time.Hour), 5000))

	hit, err := e.CheckSpend(ctx, identity, "ads", 900)
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.NoError(t, spend.Add(ctx, "p1", "ads", now.Add(-time.Minute), 200))
	hit, err = e.CheckSpend(ctx, identity, "ads", 900)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Contains(t, hit.Detail, "monthly")
}

func TestCompositeContextAggregates(t *testing.T) {
	e, _, now := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Commit(ctx, "p1", "ads", "a", "camp_1", 100, nil))
	require.NoError(t, e.Commit(ctx, "p1", "ads", "a", "camp_1", 200, nil))
	require.NoError(t, e.Commit(ctx, "p1", "payments", "b", "inv_9", 50, nil))

	// An old action outside the composite window is ignored.
	old := now.Add(-time.Duration(CompositeWindowMs)*time.Millisecond - time.Minute)
	require.NoError(t, e.state.RecordActivity(ctx, "p1", "ads", "camp_old", 999, old))

	cc, err := e.CompositeContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, cc.RecentActionCount)
	assert.InDelta(t, 350, cc.CumulativeExposure, 0.001)
	assert.Equal(t, 2, cc.DistinctTargetEntities)
	assert.Equal(t, 2, cc.DistinctCartridges)
	assert.Equal(t, CompositeWindowMs, cc.WindowMs)
}

func TestChecksDoNotIncrement(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	specs := []contracts.RateLimitSpec{{Scope: "campaign", MaxActions: 1, WindowMs: 60_000}}

	// Repeated checks without Commit never trip the limit.
	for i := 0; i < 10; i++ {
		hit, err := e.CheckRateLimits(ctx, "p1", "ads.campaign.pause", specs)
		require.NoError(t, err)
		assert.Nil(t, hit)
	}
}
