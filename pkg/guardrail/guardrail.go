// Package guardrail enforces the transient, high-frequency checks that
// sit in front of policy evaluation: rate limits, cooldowns, protected
// entities and spend windows. It also aggregates recent activity into
// the composite-risk context.
//
// Counters only move on Commit, which the orchestrator calls after an
// action lands. Checks never increment, so simulation and denied
// proposals leave no trace in guardrail state.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/risk"
	"github.com/wardenhq/warden/pkg/store"
)

// Activity aggregates one principal's recent committed actions.
type Activity struct {
	RecentActionCount      int
	CumulativeExposure     float64
	DistinctTargetEntities int
	DistinctCartridges     int
}

// State is the backing store for guardrail counters. Implementations
// are Memory (single process) and Redis (shared).
type State interface {
	// RateCount returns committed actions for key within the sliding
	// window ending at now.
	RateCount(ctx context.Context, key string, windowMs int64, now time.Time) (int, error)
	// IncrRate records one committed action at now.
	IncrRate(ctx context.Context, key string, windowMs int64, now time.Time) error
	// LastAction returns the most recent committed timestamp for a
	// cooldown key; the zero time means none.
	LastAction(ctx context.Context, key string) (time.Time, error)
	SetLastAction(ctx context.Context, key string, ts time.Time, ttl time.Duration) error
	// Activity aggregates committed actions for composite risk.
	Activity(ctx context.Context, principalID string, windowMs int64, now time.Time) (Activity, error)
	RecordActivity(ctx context.Context, principalID, cartridgeID, entityID string, exposure float64, now time.Time) error
}

// CompositeWindowMs is the lookback for composite-risk aggregation.
const CompositeWindowMs = int64(15 * 60 * 1000)

// Engine evaluates guardrail checks against a State and a SpendStore.
type Engine struct {
	state State
	spend store.SpendStore
	clock func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(state State, spend store.SpendStore) *Engine {
	return &Engine{state: state, spend: spend, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Hit describes one guardrail violation. Detail is safe to surface to
// callers.
type Hit struct {
	Detail string
	Data   map[string]any
}

func rateKey(spec contracts.RateLimitSpec, principalID string) string {
	k := "rl:" + spec.Scope + ":" + principalID
	if spec.ActionType != "" {
		k += ":" + spec.ActionType
	}
	return k
}

func cooldownKey(spec contracts.CooldownSpec, principalID string) string {
	return "cd:" + spec.Scope + ":" + principalID + ":" + spec.ActionType
}

// CheckRateLimits returns the first exceeded limit, or nil. Counters
// are read-only here; see Commit.
func (e *Engine) CheckRateLimits(ctx context.Context, principalID, actionType string, specs []contracts.RateLimitSpec) (*Hit, error) {
	now := e.clock()
	for _, spec := range specs {
		if spec.ActionType != "" && spec.ActionType != actionType {
			continue
		}
		count, err := e.state.RateCount(ctx, rateKey(spec, principalID), spec.WindowMs, now)
		if err != nil {
			return nil, fmt.Errorf("rate count %s: %w", spec.Scope, err)
		}
		if count >= spec.MaxActions {
			return &Hit{
				Detail: fmt.Sprintf("rate limit exceeded for %s: %d of %d actions in window", spec.Scope, count, spec.MaxActions),
				Data: map[string]any{
					"scope": spec.Scope, "count": count,
					"max_actions": spec.MaxActions, "window_ms": spec.WindowMs,
				},
			}, nil
		}
	}
	return nil, nil
}

// CheckCooldowns returns the first violated cooldown, or nil.
func (e *Engine) CheckCooldowns(ctx context.Context, principalID, actionType string, specs []contracts.CooldownSpec) (*Hit, error) {
	now := e.clock()
	for _, spec := range specs {
		if spec.ActionType != actionType {
			continue
		}
		last, err := e.state.LastAction(ctx, cooldownKey(spec, principalID))
		if err != nil {
			return nil, fmt.Errorf("cooldown %s: %w", spec.Scope, err)
		}
		if last.IsZero() {
			continue
		}
		elapsed := now.Sub(last)
		if cooldown := time.Duration(spec.CooldownMs) * time.Millisecond; elapsed < cooldown {
			return &Hit{
				Detail: fmt.Sprintf("cooldown active for %s: %s remaining", actionType, (cooldown - elapsed).Round(time.Second)),
				Data: map[string]any{
					"scope": spec.Scope, "cooldown_ms": spec.CooldownMs,
					"elapsed_ms": elapsed.Milliseconds(),
				},
			}, nil
		}
	}
	return nil, nil
}

// CheckProtected returns a hit when any resolved entity is in the
// cartridge's protected list or carries the Protected flag.
func CheckProtected(entities []contracts.ResolvedEntity, protected []string) *Hit {
	guarded := make(map[string]bool, len(protected))
	for _, id := range protected {
		guarded[id] = true
	}
	for _, re := range entities {
		if re.Entity == nil {
			continue
		}
		if re.Entity.Protected || guarded[re.Entity.ID] {
			return &Hit{
				Detail: fmt.Sprintf("entity %s is protected", re.Entity.ID),
				Data:   map[string]any{"entity_id": re.Entity.ID, "entity_kind": re.Entity.Kind},
			}
		}
	}
	return nil
}

// CheckSpend verifies that executed spend plus the proposal's exposure
// stays within every non-nil limit. Per-cartridge limits are checked
// against per-cartridge totals, global limits against all-cartridge
// totals.
func (e *Engine) CheckSpend(ctx context.Context, identity *contracts.IdentitySpec, cartridgeID string, dollarsAtRisk float64) (*Hit, error) {
	now := e.clock()

	if hit, err := e.checkSpendLimits(ctx, identity.PrincipalID, "", identity.SpendLimits, dollarsAtRisk, now); hit != nil || err != nil {
		return hit, err
	}
	if identity.CartridgeSpend != nil {
		if limits := identity.CartridgeSpend[cartridgeID]; limits != nil {
			return e.checkSpendLimits(ctx, identity.PrincipalID, cartridgeID, limits, dollarsAtRisk, now)
		}
	}
	return nil, nil
}

func (e *Engine) checkSpendLimits(ctx context.Context, principalID, cartridgeID string, limits *contracts.SpendLimits, dollarsAtRisk float64, now time.Time) (*Hit, error) {
	if limits == nil {
		return nil, nil
	}
	if limits.PerAction != nil && dollarsAtRisk > *limits.PerAction {
		return spendHit("per-action", dollarsAtRisk, *limits.PerAction, cartridgeID), nil
	}
	if limits.Daily == nil && limits.Weekly == nil && limits.Monthly == nil {
		return nil, nil
	}
	totals, err := e.spend.WindowTotals(ctx, principalID, cartridgeID, now)
	if err != nil {
		return nil, fmt.Errorf("spend totals: %w", err)
	}
	if limits.Daily != nil && totals.Daily+dollarsAtRisk > *limits.Daily {
		return spendHit("daily", totals.Daily+dollarsAtRisk, *limits.Daily, cartridgeID), nil
	}
	if limits.Weekly != nil && totals.Weekly+dollarsAtRisk > *limits.Weekly {
		return spendHit("weekly", totals.Weekly+dollarsAtRisk, *limits.Weekly, cartridgeID), nil
	}
	if limits.Monthly != nil && totals.Monthly+dollarsAtRisk > *limits.Monthly {
		return spendHit("monthly", totals.Monthly+dollarsAtRisk, *limits.Monthly, cartridgeID), nil
	}
	return nil, nil
}

func spendHit(window string, projected, limit float64, cartridgeID string) *Hit {
	scope := "global"
	if cartridgeID != "" {
		scope = cartridgeID
	}
	return &Hit{
		Detail: fmt.Sprintf("%s spend limit exceeded (%s): projected %.2f over limit %.2f", window, scope, projected, limit),
		Data: map[string]any{
			"window": window, "scope": scope,
			"projected": projected, "limit": limit,
		},
	}
}

// CompositeContext aggregates recent activity for the risk scorer.
func (e *Engine) CompositeContext(ctx context.Context, principalID string) (risk.CompositeContext, error) {
	act, err := e.state.Activity(ctx, principalID, CompositeWindowMs, e.clock())
	if err != nil {
		return risk.CompositeContext{}, fmt.Errorf("activity: %w", err)
	}
	return risk.CompositeContext{
		RecentActionCount:      act.RecentActionCount,
		WindowMs:               CompositeWindowMs,
		CumulativeExposure:     act.CumulativeExposure,
		DistinctTargetEntities: act.DistinctTargetEntities,
		DistinctCartridges:     act.DistinctCartridges,
	}, nil
}

// Commit records one successfully committed action against every
// matching counter. Failures are returned but callers treat them as
// best-effort: the action has already landed.
func (e *Engine) Commit(ctx context.Context, principalID, cartridgeID, actionType, entityID string, exposure float64, spec *contracts.GuardrailSpec) error {
	now := e.clock()
	if spec != nil {
		for _, rl := range spec.RateLimits {
			if rl.ActionType != "" && rl.ActionType != actionType {
				continue
			}
			if err := e.state.IncrRate(ctx, rateKey(rl, principalID), rl.WindowMs, now); err != nil {
				return fmt.Errorf("commit rate %s: %w", rl.Scope, err)
			}
		}
		for _, cd := range spec.Cooldowns {
			if cd.ActionType != actionType {
				continue
			}
			ttl := 2 * time.Duration(cd.CooldownMs) * time.Millisecond
			if err := e.state.SetLastAction(ctx, cooldownKey(cd, principalID), now, ttl); err != nil {
				return fmt.Errorf("commit cooldown %s: %w", cd.Scope, err)
			}
		}
	}
	if err := e.state.RecordActivity(ctx, principalID, cartridgeID, entityID, exposure, now); err != nil {
		return fmt.Errorf("commit activity: %w", err)
	}
	return nil
}
