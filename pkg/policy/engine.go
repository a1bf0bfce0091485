// Package policy produces a DecisionTrace for one proposal: the
// ordered governance checks, the risk score, the final decision and
// the arbitrated approval requirement.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/guardrail"
	"github.com/wardenhq/warden/pkg/risk"
)

// AmbiguityMode selects how an ambiguous entity resolution is handled
// when the caller did not request clarification.
type AmbiguityMode string

const (
	AmbiguityEscalate AmbiguityMode = "escalate" // default
	AmbiguityDeny     AmbiguityMode = "deny"
)

// Engine runs the governance check pipeline.
type Engine struct {
	guardrails *guardrail.Engine
	cel        *celEvaluator
	log        *slog.Logger
	clock      func() time.Time

	ambiguity AmbiguityMode
}

// NewEngine builds an Engine around a guardrail engine.
func NewEngine(g *guardrail.Engine, log *slog.Logger) (*Engine, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		guardrails: g,
		cel:        cel,
		log:        log,
		clock:      time.Now,
		ambiguity:  AmbiguityEscalate,
	}, nil
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithAmbiguityMode overrides the ambiguous-entity handling.
func (e *Engine) WithAmbiguityMode(m AmbiguityMode) *Engine {
	e.ambiguity = m
	return e
}

// DelegationCheck is the orchestrator's pre-resolved delegation chain
// for an acting-as proposal.
type DelegationCheck struct {
	Valid  bool     `json:"valid"`
	Chain  []string `json:"chain,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// Input is everything one evaluation needs. Policies must be active,
// in scope, and sorted by ascending priority.
type Input struct {
	ProposalIndex  int
	ActionType     string
	Parameters     map[string]any
	Metadata       map[string]any
	CartridgeID    string
	OrganizationID string
	Identity       *contracts.IdentitySpec
	Entities       []contracts.ResolvedEntity
	RiskInput      contracts.RiskInput
	Guardrails     *contracts.GuardrailSpec
	Policies       []*contracts.Policy
	Delegation     *DelegationCheck

	// EmergencyOverride restricts the pipeline to the non-bypassable
	// checks (forbidden behavior, entity resolution, protected
	// entities) plus informational risk scoring, and forces the
	// approval requirement to none.
	EmergencyOverride bool
}

// Evaluate runs the check pipeline in its fixed order. After a deny
// matches, only the informational checks (risk scoring, composite
// risk) still run; nothing can downgrade a deny.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*contracts.DecisionTrace, error) {
	trace := &contracts.DecisionTrace{
		ProposalIndex: in.ProposalIndex,
		EvaluatedAt:   e.clock().UTC(),
	}

	var (
		denied     bool
		denyDetail string
		escalated  bool
		modified   bool
	)
	deny := func(check contracts.DecisionCheck) {
		trace.Checks = append(trace.Checks, check)
		if !denied {
			denied = true
			denyDetail = check.Detail
		}
	}

	// 1. FORBIDDEN_BEHAVIOR
	if in.Identity.HasForbidden(in.ActionType) {
		deny(contracts.DecisionCheck{
			Code:    contracts.CheckForbiddenBehavior,
			Matched: true,
			Effect:  contracts.EffectDeny,
			Detail:  fmt.Sprintf("action type %s is forbidden for this principal", in.ActionType),
		})
	} else {
		trace.Checks = append(trace.Checks, contracts.DecisionCheck{
			Code: contracts.CheckForbiddenBehavior, Effect: contracts.EffectAllow,
		})
	}

	// 2. RESOLVER_AMBIGUITY
	if !denied {
		if check := e.checkResolution(in.Entities); check != nil {
			if check.Effect == contracts.EffectDeny {
				deny(*check)
			} else {
				escalated = true
				trace.Checks = append(trace.Checks, *check)
			}
		} else {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckResolverAmbiguity, Effect: contracts.EffectAllow,
			})
		}
	}

	// 3. PROTECTED_ENTITY
	if !denied {
		var protected []string
		if in.Guardrails != nil {
			protected = in.Guardrails.ProtectedEntities
		}
		if hit := guardrail.CheckProtected(in.Entities, protected); hit != nil {
			deny(contracts.DecisionCheck{
				Code: contracts.CheckProtectedEntity, Matched: true,
				Effect: contracts.EffectDeny, Detail: hit.Detail, CheckData: hit.Data,
			})
		} else {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckProtectedEntity, Effect: contracts.EffectAllow,
			})
		}
	}

	// 4-6. RATE_LIMIT, COOLDOWN, SPEND_LIMIT (bypassed under override)
	if !denied && !in.EmergencyOverride {
		if err := e.runGuardrailChecks(ctx, in, trace, deny, &denied); err != nil {
			return nil, err
		}
	}

	// 7. RISK_SCORING (informational, always runs)
	score := risk.Score(in.RiskInput)
	trace.Checks = append(trace.Checks, contracts.DecisionCheck{
		Code: contracts.CheckRiskScoring, Matched: true, Effect: contracts.EffectAllow,
		Detail: fmt.Sprintf("base risk %.1f (%s)", score.Raw, score.Category),
		CheckData: map[string]any{
			"raw": score.Raw, "category": string(score.Category), "factors": score.Factors,
		},
	})

	// 8. COMPOSITE_RISK (informational, always runs)
	cc, err := e.guardrails.CompositeContext(ctx, in.Identity.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("composite context: %w", err)
	}
	adjusted := risk.CompositeAdjust(score, cc)
	trace.Checks = append(trace.Checks, contracts.DecisionCheck{
		Code: contracts.CheckCompositeRisk, Matched: adjusted.Raw > score.Raw,
		Effect: contracts.EffectAllow,
		Detail: fmt.Sprintf("composite risk %.1f (%s)", adjusted.Raw, adjusted.Category),
		CheckData: map[string]any{
			"raw": adjusted.Raw, "category": string(adjusted.Category),
			"recent_action_count": cc.RecentActionCount,
			"cumulative_exposure": cc.CumulativeExposure,
		},
	})
	trace.Risk = adjusted

	// 9. POLICY_RULE
	var policyReq *contracts.ApprovalRequirement
	if !denied && !in.EmergencyOverride {
		bag := Facts(in.ActionType, in.Parameters, in.Metadata, in.Identity.PrincipalID, adjusted)
		matched := e.matchPolicy(in.Policies, bag)
		if matched == nil {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckPolicyRule, Effect: contracts.EffectAllow,
			})
		} else {
			check := contracts.DecisionCheck{
				Code: contracts.CheckPolicyRule, Matched: true,
				Detail: fmt.Sprintf("policy %s matched with effect %s", matched.ID, matched.Effect),
				CheckData: map[string]any{
					"policy_id": matched.ID, "priority": matched.Priority,
					"effect": string(matched.Effect),
				},
			}
			switch matched.Effect {
			case contracts.PolicyDeny:
				check.Effect = contracts.EffectDeny
				deny(check)
			case contracts.PolicyRequireApproval:
				check.Effect = contracts.EffectEscalate
				req := contracts.ApprovalStandard
				if matched.ApprovalRequirement != nil {
					req = *matched.ApprovalRequirement
				}
				policyReq = &req
				check.CheckData["approval_requirement"] = string(req)
				trace.Checks = append(trace.Checks, check)
			case contracts.PolicyModify:
				check.Effect = contracts.EffectModify
				check.CheckData["effect_params"] = matched.EffectParams
				modified = true
				trace.Checks = append(trace.Checks, check)
			default: // allow
				check.Effect = contracts.EffectAllow
				trace.Checks = append(trace.Checks, check)
			}
			if matched.RiskCategoryOverride != nil {
				trace.Risk.Category = *matched.RiskCategoryOverride
			}
		}
	}

	// 10. TRUST_BEHAVIOR
	trusted := false
	if !denied && !in.EmergencyOverride {
		trusted = in.Identity.HasTrust(in.ActionType)
		trace.Checks = append(trace.Checks, contracts.DecisionCheck{
			Code: contracts.CheckTrustBehavior, Matched: trusted,
			Effect: contracts.EffectAllow,
			Detail: trustDetail(trusted, in.ActionType),
		})
	}

	// 11. SYSTEM_POSTURE
	posture := in.Identity.Profile.Posture()
	if !denied && !in.EmergencyOverride {
		trace.Checks = append(trace.Checks, contracts.DecisionCheck{
			Code: contracts.CheckSystemPosture, Matched: posture != contracts.PostureNormal,
			Effect:    contracts.EffectAllow,
			Detail:    fmt.Sprintf("system posture %s", posture),
			CheckData: map[string]any{"posture": string(posture)},
		})
	}

	// 12. COMPETENCE
	competence := 0
	if !denied && !in.EmergencyOverride {
		if check, delta := competenceCheck(in.Identity, in.ActionType); check != nil {
			competence = delta
			trace.Checks = append(trace.Checks, *check)
		}
	}

	// 13. DELEGATION_CHAIN
	if !denied && in.Identity.ActingFor != "" {
		if in.Delegation == nil || !in.Delegation.Valid {
			detail := "delegation chain could not be resolved"
			if in.Delegation != nil && in.Delegation.Detail != "" {
				detail = in.Delegation.Detail
			}
			deny(contracts.DecisionCheck{
				Code: contracts.CheckDelegationChain, Matched: true,
				Effect: contracts.EffectDeny, Detail: detail,
			})
		} else {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckDelegationChain, Matched: true,
				Effect:    contracts.EffectAllow,
				CheckData: map[string]any{"chain": in.Delegation.Chain},
			})
		}
	}

	// Final decision and arbitration.
	switch {
	case denied:
		trace.FinalDecision = contracts.DecisionDeny
		trace.ApprovalRequired = contracts.ApprovalNone
		trace.Explanation = denyDetail
	default:
		if modified {
			trace.FinalDecision = contracts.DecisionModify
		} else {
			trace.FinalDecision = contracts.DecisionAllow
		}
		if in.EmergencyOverride {
			trace.ApprovalRequired = contracts.ApprovalNone
			trace.Explanation = "allowed under emergency override"
		} else {
			trace.ApprovalRequired = arbitrate(in.Identity, trace.Risk.Category, policyReq, posture, competence, trusted, escalated)
			trace.Explanation = explain(trace.ApprovalRequired, trace.Risk, trusted)
		}
	}
	return trace, nil
}

func (e *Engine) runGuardrailChecks(ctx context.Context, in Input, trace *contracts.DecisionTrace, deny func(contracts.DecisionCheck), denied *bool) error {
	var rateSpecs []contracts.RateLimitSpec
	var cooldowns []contracts.CooldownSpec
	if in.Guardrails != nil {
		rateSpecs = in.Guardrails.RateLimits
		cooldowns = in.Guardrails.Cooldowns
	}

	hit, err := e.guardrails.CheckRateLimits(ctx, in.Identity.PrincipalID, in.ActionType, rateSpecs)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if hit != nil {
		deny(contracts.DecisionCheck{
			Code: contracts.CheckRateLimit, Matched: true,
			Effect: contracts.EffectDeny, Detail: hit.Detail, CheckData: hit.Data,
		})
	} else {
		trace.Checks = append(trace.Checks, contracts.DecisionCheck{
			Code: contracts.CheckRateLimit, Effect: contracts.EffectAllow,
		})
	}

	if !*denied {
		hit, err = e.guardrails.CheckCooldowns(ctx, in.Identity.PrincipalID, in.ActionType, cooldowns)
		if err != nil {
			return fmt.Errorf("cooldown check: %w", err)
		}
		if hit != nil {
			deny(contracts.DecisionCheck{
				Code: contracts.CheckCooldown, Matched: true,
				Effect: contracts.EffectDeny, Detail: hit.Detail, CheckData: hit.Data,
			})
		} else {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckCooldown, Effect: contracts.EffectAllow,
			})
		}
	}

	if !*denied {
		hit, err = e.guardrails.CheckSpend(ctx, in.Identity, in.CartridgeID, in.RiskInput.DollarsAtRisk)
		if err != nil {
			return fmt.Errorf("spend check: %w", err)
		}
		if hit != nil {
			deny(contracts.DecisionCheck{
				Code: contracts.CheckSpendLimit, Matched: true,
				Effect: contracts.EffectDeny, Detail: hit.Detail, CheckData: hit.Data,
			})
		} else {
			trace.Checks = append(trace.Checks, contracts.DecisionCheck{
				Code: contracts.CheckSpendLimit, Effect: contracts.EffectAllow,
			})
		}
	}
	return nil
}

func (e *Engine) checkResolution(entities []contracts.ResolvedEntity) *contracts.DecisionCheck {
	for _, re := range entities {
		switch re.Status {
		case contracts.ResolutionNotFound:
			return &contracts.DecisionCheck{
				Code: contracts.CheckResolverAmbiguity, Matched: true,
				Effect: contracts.EffectDeny,
				Detail: fmt.Sprintf("entity %q not found", re.InputRef),
			}
		case contracts.ResolutionAmbiguous:
			effect := contracts.EffectEscalate
			if e.ambiguity == AmbiguityDeny {
				effect = contracts.EffectDeny
			}
			return &contracts.DecisionCheck{
				Code: contracts.CheckResolverAmbiguity, Matched: true,
				Effect: effect,
				Detail: fmt.Sprintf("entity %q is ambiguous (%d candidates)", re.InputRef, len(re.Alternatives)),
			}
		}
	}
	return nil
}

// matchPolicy finds the applying policy: first match in ascending
// priority, except a deny at the same priority as the first match wins
// the tie.
func (e *Engine) matchPolicy(policies []*contracts.Policy, bag FactBag) *contracts.Policy {
	sorted := make([]*contracts.Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var first *contracts.Policy
	for _, p := range sorted {
		if first != nil && p.Priority != first.Priority {
			break
		}
		if !e.evalRule(p.Rule, bag) {
			continue
		}
		if first == nil {
			first = p
			continue
		}
		if p.Effect == contracts.PolicyDeny && first.Effect != contracts.PolicyDeny {
			first = p
		}
	}
	return first
}

// competenceCheck returns a one-rank adjustment from the principal's
// track record on this action type: sustained success earns a rank
// down, sustained failure a rank up.
func competenceCheck(identity *contracts.IdentitySpec, actionType string) (*contracts.DecisionCheck, int) {
	for _, rec := range identity.Competence {
		if rec.ActionType != actionType {
			continue
		}
		switch {
		case rec.Score >= 0.5:
			return &contracts.DecisionCheck{
				Code: contracts.CheckCompetenceTrust, Matched: true,
				Effect: contracts.EffectAllow,
				Detail: fmt.Sprintf("competence score %.2f lowers the approval requirement one rank", rec.Score),
				CheckData: map[string]any{
					"score": rec.Score, "successes": rec.Successes, "failures": rec.Failures,
				},
			}, -1
		case rec.Score <= -0.5:
			return &contracts.DecisionCheck{
				Code: contracts.CheckCompetenceEscalation, Matched: true,
				Effect: contracts.EffectEscalate,
				Detail: fmt.Sprintf("competence score %.2f raises the approval requirement one rank", rec.Score),
				CheckData: map[string]any{
					"score": rec.Score, "successes": rec.Successes, "failures": rec.Failures,
				},
			}, 1
		}
		return nil, 0
	}
	return nil, 0
}

// arbitrate computes the final approval requirement: the maximum rank
// over identity tolerance, policy requirement and escalation hits,
// adjusted by competence, uplifted by posture, then downgraded by a
// trust hit unless the posture is critical.
func arbitrate(identity *contracts.IdentitySpec, category contracts.RiskCategory, policyReq *contracts.ApprovalRequirement, posture contracts.SystemPosture, competence int, trusted, escalated bool) contracts.ApprovalRequirement {
	req := identity.ToleranceFor(category)
	if policyReq != nil {
		req = contracts.MaxRequirement(req, *policyReq)
	}
	if escalated {
		req = contracts.MaxRequirement(req, contracts.ApprovalStandard)
	}

	if competence != 0 {
		// A competence downgrade never drops below what the identity's
		// risk tolerance demands for this category.
		floor := identity.ToleranceFor(category).Rank()
		rank := req.Rank() + competence
		if rank < floor {
			rank = floor
		}
		if rank > contracts.ApprovalMandatory.Rank() {
			rank = contracts.ApprovalMandatory.Rank()
		}
		req = requirementAtRank(rank)
	}

	switch posture {
	case contracts.PostureElevated:
		req = contracts.MaxRequirement(req, contracts.ApprovalStandard)
	case contracts.PostureCritical:
		req = contracts.ApprovalMandatory
	}

	// A trust behavior clears the requirement, but never under
	// critical posture.
	if trusted && posture != contracts.PostureCritical {
		req = contracts.ApprovalNone
	}
	return req
}

func requirementAtRank(rank int) contracts.ApprovalRequirement {
	for _, r := range []contracts.ApprovalRequirement{
		contracts.ApprovalNone, contracts.ApprovalStandard,
		contracts.ApprovalElevated, contracts.ApprovalMandatory,
	} {
		if r.Rank() == rank {
			return r
		}
	}
	return contracts.ApprovalMandatory
}

func trustDetail(trusted bool, actionType string) string {
	if trusted {
		return fmt.Sprintf("%s is a trusted behavior for this principal", actionType)
	}
	return ""
}

func explain(req contracts.ApprovalRequirement, score contracts.RiskScore, trusted bool) string {
	if trusted && req == contracts.ApprovalNone {
		return "allowed as a trusted behavior"
	}
	if req == contracts.ApprovalNone {
		return fmt.Sprintf("allowed at %s risk without approval", score.Category)
	}
	return fmt.Sprintf("requires %s approval at %s risk", req, score.Category)
}
