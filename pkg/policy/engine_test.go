package policy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/guardrail"
	"github.com/wardenhq/warden/pkg/store"
)

func reqPtr(r contracts.ApprovalRequirement) *contracts.ApprovalRequirement { return &r }

func fixedEngine(t *testing.T) (*Engine, *guardrail.Engine, *store.MemorySpendStore) {
	t.Helper()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	spend := store.NewMemorySpendStore()
	g := guardrail.NewEngine(guardrail.NewMemoryState(), spend).WithClock(func() time.Time { return now })
	e, err := NewEngine(g, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return e.WithClock(func() time.Time { return now }), g, spend
}

func baseInput(identity *contracts.IdentitySpec) Input {
	return Input{
		ActionType:  "ads.campaign.pause",
		Parameters:  map[string]any{"campaignId": "camp_123"},
		CartridgeID: "ads",
		Identity:    identity,
		Entities: []contracts.ResolvedEntity{{
			InputRef: "camp_123",
			Status:   contracts.ResolutionResolved,
			Entity:   &contracts.EntityRef{ID: "camp_123", Kind: "campaign"},
		}},
		RiskInput: contracts.RiskInput{
			BaseRisk:      contracts.RiskLow,
			Reversibility: contracts.ReversibilityFull,
		},
	}
}

func findCheck(t *testing.T, trace *contracts.DecisionTrace, code contracts.CheckCode) *contracts.DecisionCheck {
	t.Helper()
	for i := range trace.Checks {
		if trace.Checks[i].Code == code {
			return &trace.Checks[i]
		}
	}
	return nil
}

func TestTrustBehaviorSkipsApproval(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalRequirement{
			contracts.RiskLow:    contracts.ApprovalNone,
			contracts.RiskMedium: contracts.ApprovalStandard,
		},
		TrustBehaviors: []string{"ads.campaign.pause"},
		Profile:        contracts.ProfileGuarded,
	}

	trace, err := e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
	assert.Equal(t, contracts.ApprovalNone, trace.ApprovalRequired)

	trust := findCheck(t, trace, contracts.CheckTrustBehavior)
	require.NotNil(t, trust)
	assert.True(t, trust.Matched)
}

func TestForbiddenBehaviorDenies(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{
		PrincipalID:        "p1",
		ForbiddenBehaviors: []string{"ads.campaign.pause"},
		Profile:            contracts.ProfileGuarded,
	}

	trace, err := e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
	assert.Contains(t, trace.Explanation, "forbidden")

	// Informational checks still ran after the deny; gated checks did not.
	assert.NotNil(t, findCheck(t, trace, contracts.CheckRiskScoring))
	assert.NotNil(t, findCheck(t, trace, contracts.CheckCompositeRisk))
	assert.Nil(t, findCheck(t, trace, contracts.CheckRateLimit))
	assert.Nil(t, findCheck(t, trace, contracts.CheckPolicyRule))
}

func TestPolicyRequireApproval(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded}

	in := baseInput(identity)
	in.ActionType = "ads.budget.adjust"
	in.Parameters = map[string]any{"newBudget": 7500.0}
	in.Policies = []*contracts.Policy{{
		ID: "ads-large-budget-increase", Priority: 10, Active: true,
		Rule: contracts.PolicyRule{Conditions: []contracts.Condition{
			{Field: "actionType", Operator: contracts.OpEq, Value: "ads.budget.adjust"},
			{Field: "parameters.newBudget", Operator: contracts.OpGt, Value: 5000},
		}},
		Effect:              contracts.PolicyRequireApproval,
		ApprovalRequirement: reqPtr(contracts.ApprovalElevated),
	}}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
	assert.Equal(t, contracts.ApprovalElevated, trace.ApprovalRequired)

	check := findCheck(t, trace, contracts.CheckPolicyRule)
	require.NotNil(t, check)
	assert.True(t, check.Matched)
	assert.Equal(t, "ads-large-budget-increase", check.CheckData["policy_id"])
}

func TestPolicyDenyWinsPriorityTie(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded}

	matchAll := contracts.PolicyRule{Conditions: []contracts.Condition{
		{Field: "actionType", Operator: contracts.OpExists},
	}}
	in := baseInput(identity)
	in.Policies = []*contracts.Policy{
		{ID: "allow-first", Priority: 10, Active: true, Rule: matchAll, Effect: contracts.PolicyAllow},
		{ID: "deny-tie", Priority: 10, Active: true, Rule: matchAll, Effect: contracts.PolicyDeny},
		{ID: "later", Priority: 20, Active: true, Rule: matchAll, Effect: contracts.PolicyRequireApproval},
	}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
	check := findCheck(t, trace, contracts.CheckPolicyRule)
	require.NotNil(t, check)
	assert.Equal(t, "deny-tie", check.CheckData["policy_id"])
}

func TestPostureUplift(t *testing.T) {
	e, _, _ := fixedEngine(t)

	// strict → elevated posture → at least standard.
	identity := &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileStrict}
	trace, err := e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalStandard, trace.ApprovalRequired)

	// locked → critical posture → mandatory.
	identity = &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileLocked}
	trace, err = e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalMandatory, trace.ApprovalRequired)
}

func TestCriticalPostureRejectsTrustDowngrade(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{
		PrincipalID:    "p1",
		TrustBehaviors: []string{"ads.campaign.pause"},
		Profile:        contracts.ProfileLocked,
	}

	trace, err := e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
	assert.Equal(t, contracts.ApprovalMandatory, trace.ApprovalRequired)
}

func TestSpendLimitDenies(t *testing.T) {
	e, _, spend := fixedEngine(t)
	ctx := context.Background()
	daily := 500.0
	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		SpendLimits: &contracts.SpendLimits{Daily: &daily},
		Profile:     contracts.ProfileGuarded,
	}

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, spend.Add(ctx, "p1", "ads", now.Add(-time.Hour), 450))

	in := baseInput(identity)
	in.RiskInput.DollarsAtRisk = 100

	trace, err := e.Evaluate(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
	check := findCheck(t, trace, contracts.CheckSpendLimit)
	require.NotNil(t, check)
	assert.True(t, check.Matched)
	assert.Contains(t, check.Detail, "daily")
}

func TestCompetenceAdjustments(t *testing.T) {
	e, _, _ := fixedEngine(t)

	// The identity tolerates medium risk without approval, but a policy
	// uplifts this action to standard; strong competence lowers the
	// uplift one rank, back to the tolerance.
	in := baseInput(&contracts.IdentitySpec{
		PrincipalID: "p1",
		Profile:     contracts.ProfileGuarded,
		RiskTolerance: map[contracts.RiskCategory]contracts.ApprovalRequirement{
			contracts.RiskMedium: contracts.ApprovalNone,
		},
		Competence: []contracts.CompetenceRecord{
			{ActionType: "ads.campaign.pause", Successes: 40, Failures: 1, Score: 0.9},
		},
	})
	in.RiskInput.BaseRisk = contracts.RiskHigh
	in.Policies = []*contracts.Policy{{
		ID: "pause-needs-signoff", Priority: 10, Active: true,
		Rule: contracts.PolicyRule{Conditions: []contracts.Condition{
			{Field: "actionType", Operator: contracts.OpEq, Value: "ads.campaign.pause"},
		}},
		Effect:              contracts.PolicyRequireApproval,
		ApprovalRequirement: reqPtr(contracts.ApprovalStandard),
	}}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalNone, trace.ApprovalRequired)
	assert.NotNil(t, findCheck(t, trace, contracts.CheckCompetenceTrust))

	// A failing record raises it instead.
	in.Identity.Competence[0].Score = -0.8
	trace, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalElevated, trace.ApprovalRequired)
	assert.NotNil(t, findCheck(t, trace, contracts.CheckCompetenceEscalation))
}

func TestCompetenceNeverDropsBelowTolerance(t *testing.T) {
	e, _, _ := fixedEngine(t)

	// A high base input scores into the medium bucket, where this
	// identity's tolerance defaults to standard approval. Competence
	// trust fires but the requirement stays at the tolerance floor.
	in := baseInput(&contracts.IdentitySpec{
		PrincipalID: "p1",
		Profile:     contracts.ProfileGuarded,
		Competence: []contracts.CompetenceRecord{
			{ActionType: "ads.campaign.pause", Successes: 40, Failures: 1, Score: 0.9},
		},
	})
	in.RiskInput.BaseRisk = contracts.RiskHigh

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalStandard, trace.ApprovalRequired)
	assert.NotNil(t, findCheck(t, trace, contracts.CheckCompetenceTrust))
}

func TestResolverNotFoundDenies(t *testing.T) {
	e, _, _ := fixedEngine(t)
	in := baseInput(&contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded})
	in.Entities = []contracts.ResolvedEntity{{InputRef: "camp_x", Status: contracts.ResolutionNotFound}}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
	assert.Contains(t, trace.Explanation, "not found")
}

func TestResolverAmbiguousEscalates(t *testing.T) {
	e, _, _ := fixedEngine(t)
	in := baseInput(&contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded})
	in.Entities = []contracts.ResolvedEntity{{
		InputRef: "spring campaign", Status: contracts.ResolutionAmbiguous,
		Alternatives: []contracts.EntityRef{{ID: "camp_1"}, {ID: "camp_2"}},
	}}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
	assert.Equal(t, contracts.ApprovalStandard, trace.ApprovalRequired)

	// Deny mode turns the same input into a deny.
	e = e.WithAmbiguityMode(AmbiguityDeny)
	trace, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
}

func TestDelegationChain(t *testing.T) {
	e, _, _ := fixedEngine(t)
	identity := &contracts.IdentitySpec{
		PrincipalID: "p1",
		ActingFor:   "owner_1",
		Profile:     contracts.ProfileGuarded,
	}

	// Unresolved chain denies.
	trace, err := e.Evaluate(context.Background(), baseInput(identity))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)

	// A resolved chain passes.
	in := baseInput(identity)
	in.Delegation = &DelegationCheck{Valid: true, Chain: []string{"owner_1", "p1"}}
	trace, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
}

func TestEmergencyOverride(t *testing.T) {
	e, _, _ := fixedEngine(t)

	// Override forces no approval even under strict posture.
	identity := &contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileStrict}
	in := baseInput(identity)
	in.EmergencyOverride = true
	in.RiskInput.BaseRisk = contracts.RiskHigh

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, trace.FinalDecision)
	assert.Equal(t, contracts.ApprovalNone, trace.ApprovalRequired)

	// Forbidden behavior still denies under override.
	identity.ForbiddenBehaviors = []string{"ads.campaign.pause"}
	trace, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)

	// Protected entities still deny under override.
	identity.ForbiddenBehaviors = nil
	in.Guardrails = &contracts.GuardrailSpec{ProtectedEntities: []string{"camp_123"}}
	trace, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, trace.FinalDecision)
}

func TestRiskCategoryOverride(t *testing.T) {
	e, _, _ := fixedEngine(t)
	override := contracts.RiskCritical
	in := baseInput(&contracts.IdentitySpec{PrincipalID: "p1", Profile: contracts.ProfileGuarded})
	in.Policies = []*contracts.Policy{{
		ID: "force-critical", Priority: 1, Active: true,
		Rule: contracts.PolicyRule{Conditions: []contracts.Condition{
			{Field: "actionType", Operator: contracts.OpExists},
		}},
		Effect:               contracts.PolicyRequireApproval,
		RiskCategoryOverride: &override,
	}}

	trace, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskCritical, trace.Risk.Category)
	// Tolerance for critical defaults to mandatory.
	assert.Equal(t, contracts.ApprovalMandatory, trace.ApprovalRequired)
}
