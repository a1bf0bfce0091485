package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/policy"
)

// ProposeRequest is one agent proposal entering the lifecycle.
type ProposeRequest struct {
	PrincipalID    string             `json:"principal_id"`
	OrganizationID string             `json:"organization_id,omitempty"`
	CartridgeID    string             `json:"cartridge_id"`
	Proposal       contracts.Proposal `json:"proposal"`
	EntityRefs     []string           `json:"entity_refs,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	TraceID        string             `json:"trace_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`

	// Async queues execution instead of running it inline.
	Async bool `json:"async,omitempty"`

	// EmergencyOverride restricts evaluation to the non-bypassable
	// checks. The envelope carries a governance note when used.
	EmergencyOverride bool `json:"emergency_override,omitempty"`

	// Approval routing overrides; defaults come from the identity spec.
	Approvers       []string                  `json:"approvers,omitempty"`
	QuorumRequired  int                       `json:"quorum_required,omitempty"`
	ApprovalTTL     time.Duration             `json:"-"`
	ExpiredBehavior contracts.ExpiredBehavior `json:"expired_behavior,omitempty"`

	// ParentEnvelopeID links an undo proposal to the envelope it
	// reverses. Set by RequestUndo.
	ParentEnvelopeID string `json:"-"`
	governanceNote   string
}

// ResolveAndPropose runs the full proposal pipeline: entity resolution,
// envelope creation, context enrichment, policy evaluation, and then
// routing to denial, approval, or execution.
func (o *Orchestrator) ResolveAndPropose(ctx context.Context, req ProposeRequest) (*Result, error) {
	if err := validatePropose(req); err != nil {
		return nil, err
	}
	cart, err := o.registry.Get(req.CartridgeID)
	if err != nil {
		return nil, err
	}
	identity, err := o.identity(ctx, req.PrincipalID, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	entities, err := o.resolveEntities(ctx, req.CartridgeID, req.EntityRefs)
	if err != nil {
		return nil, err
	}

	params, err := cart.EnrichContext(ctx, req.Proposal.ActionType, req.Proposal.Parameters)
	if err != nil {
		return nil, fmt.Errorf("enrich context: %w", err)
	}
	req.Proposal.Parameters = params

	now := o.clock().UTC()
	env := &contracts.Envelope{
		ID:               "env_" + uuid.NewString(),
		Version:          1,
		Status:           contracts.StatusProposed,
		PrincipalID:      req.PrincipalID,
		OrganizationID:   req.OrganizationID,
		CartridgeID:      req.CartridgeID,
		Proposals:        []contracts.Proposal{req.Proposal},
		ResolvedEntities: entities,
		ParentEnvelopeID: req.ParentEnvelopeID,
		TraceID:          req.TraceID,
		GovernanceNote:   req.governanceNote,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if env.TraceID == "" {
		env.TraceID = uuid.NewString()
	}
	if req.EmergencyOverride {
		env.GovernanceNote = "emergency_override"
	}

	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionProposed,
		ActorType: contracts.ActorAgent,
		ActorID:   req.PrincipalID,
		Summary:   fmt.Sprintf("proposed %s via %s", req.Proposal.ActionType, req.CartridgeID),
		Snapshot: map[string]any{
			"action_type":  req.Proposal.ActionType,
			"cartridge_id": req.CartridgeID,
			"parameters":   req.Proposal.Parameters,
			"confidence":   req.Proposal.Confidence,
		},
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("create envelope: %w", err)
	}

	trace, err := o.evaluate(ctx, env, identity, req.Proposal.Parameters, req.Metadata, req.EmergencyOverride)
	if err != nil {
		return nil, err
	}
	env.DecisionTraces = append(env.DecisionTraces, *trace)

	expected := int64(1)
	if trace.FinalDecision == contracts.DecisionDeny {
		return o.deny(ctx, env, trace, expected)
	}
	if trace.ApprovalRequired == contracts.ApprovalNone {
		return o.fastPath(ctx, env, trace, expected, req.Async)
	}
	return o.requestApproval(ctx, env, identity, trace, req, expected)
}

func validatePropose(req ProposeRequest) error {
	var missing []string
	if req.PrincipalID == "" {
		missing = append(missing, "principal_id")
	}
	if req.CartridgeID == "" {
		missing = append(missing, "cartridge_id")
	}
	if req.Proposal.ActionType == "" {
		missing = append(missing, "proposal.action_type")
	}
	if len(missing) > 0 {
		return &contracts.ValidationError{Fields: missing, Detail: "required field missing"}
	}
	return nil
}

// resolveEntities resolves every entity reference through the
// cartridge. Under clarify mode an ambiguous result aborts before any
// envelope exists so the caller can disambiguate.
func (o *Orchestrator) resolveEntities(ctx context.Context, cartridgeID string, refs []string) ([]contracts.ResolvedEntity, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	resolver, ok := o.registry.Resolver(cartridgeID)
	if !ok {
		// Without a resolver, references pass through as opaque IDs.
		entities := make([]contracts.ResolvedEntity, 0, len(refs))
		for _, ref := range refs {
			entities = append(entities, contracts.ResolvedEntity{
				InputRef: ref,
				Status:   contracts.ResolutionResolved,
				Entity:   &contracts.EntityRef{ID: ref},
			})
		}
		return entities, nil
	}

	entities := make([]contracts.ResolvedEntity, 0, len(refs))
	for _, ref := range refs {
		resolved, err := resolver.ResolveEntity(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve entity %q: %w", ref, err)
		}
		if resolved.Status == contracts.ResolutionAmbiguous && o.ambiguity == AmbiguityClarify {
			return nil, &contracts.NeedsClarificationError{
				Question:     fmt.Sprintf("which %q did you mean?", ref),
				Alternatives: resolved.Alternatives,
			}
		}
		entities = append(entities, *resolved)
	}
	return entities, nil
}

// evaluate runs the policy pipeline over one parameter set. It is also
// the re-evaluation hook for approval patches.
func (o *Orchestrator) evaluate(ctx context.Context, env *contracts.Envelope, identity *contracts.IdentitySpec, params, metadata map[string]any, override bool) (*contracts.DecisionTrace, error) {
	cart, err := o.registry.Get(env.CartridgeID)
	if err != nil {
		return nil, err
	}
	actionType := env.Proposals[0].ActionType

	riskInput, err := cart.GetRiskInput(ctx, actionType, params)
	if err != nil {
		return nil, fmt.Errorf("risk input: %w", err)
	}
	spec, err := cart.GetGuardrails(ctx)
	if err != nil {
		return nil, fmt.Errorf("guardrail spec: %w", err)
	}
	policies, err := o.policies.ListActive(ctx, env.OrganizationID, env.CartridgeID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	return o.engine.Evaluate(ctx, policy.Input{
		ActionType:        actionType,
		Parameters:        params,
		Metadata:          metadata,
		CartridgeID:       env.CartridgeID,
		OrganizationID:    env.OrganizationID,
		Identity:          identity,
		Entities:          env.ResolvedEntities,
		RiskInput:         *riskInput,
		Guardrails:        spec,
		Policies:          policies,
		Delegation:        o.delegation(ctx, identity),
		EmergencyOverride: override,
	})
}

// deny transitions proposed → denied and audits the denial.
func (o *Orchestrator) deny(ctx context.Context, env *contracts.Envelope, trace *contracts.DecisionTrace, expected int64) (*Result, error) {
	if err := env.Transition(contracts.StatusDenied, o.clock().UTC()); err != nil {
		return nil, err
	}
	if err := o.record(ctx, env, ledger.Event{
		Type:         contracts.EventActionDenied,
		ActorType:    contracts.ActorSystem,
		ActorID:      "policy-engine",
		RiskCategory: trace.Risk.Category,
		Summary:      trace.Explanation,
		Snapshot:     map[string]any{"explanation": trace.Explanation},
		Evidence:     []any{trace},
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist denial: %w", err)
	}
	return &Result{Outcome: OutcomeDenied, Envelope: env, Trace: trace}, nil
}

// fastPath handles an allow with no approval requirement: the envelope
// queues immediately and executes inline or through the worker pool.
func (o *Orchestrator) fastPath(ctx context.Context, env *contracts.Envelope, trace *contracts.DecisionTrace, expected int64, async bool) (*Result, error) {
	now := o.clock().UTC()
	if err := o.record(ctx, env, o.evaluatedEvent(env, trace)); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusQueued, now); err != nil {
		return nil, err
	}
	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionQueued,
		ActorType: contracts.ActorSystem,
		ActorID:   "orchestrator",
		Summary:   "queued for execution without approval",
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist queue: %w", err)
	}

	if async && o.queue != nil {
		if err := o.queue.Enqueue(env.ID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeQueued, Envelope: env, Trace: trace}, nil
	}
	result, err := o.ExecuteApproved(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	result.Trace = trace
	return result, nil
}

// requestApproval captures evidence, binds an approval request and
// parks the envelope at pending_approval.
func (o *Orchestrator) requestApproval(ctx context.Context, env *contracts.Envelope, identity *contracts.IdentitySpec, trace *contracts.DecisionTrace, req ProposeRequest, expected int64) (*Result, error) {
	now := o.clock().UTC()

	var snapshot map[string]any
	if sp, ok := o.registry.Snapshotter(env.CartridgeID); ok {
		snap, err := sp.CaptureSnapshot(ctx, env.Proposals[0].ActionType, env.Proposals[0].Parameters)
		if err != nil {
			return nil, fmt.Errorf("capture snapshot: %w", err)
		}
		snapshot = snap
	}

	if err := env.Transition(contracts.StatusEvaluating, now); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusPendingApproval, now); err != nil {
		return nil, err
	}
	if err := o.record(ctx, env, o.evaluatedEvent(env, trace)); err != nil {
		return nil, err
	}

	approvers := req.Approvers
	if len(approvers) == 0 {
		approvers = identity.DelegatedApprovers
	}
	ttl := req.ApprovalTTL
	if ttl <= 0 {
		ttl = o.approvalTTL
	}
	rec, err := o.approvals.Create(ctx, approvalCreateInput(env, identity, trace, snapshot, approvers, req, ttl))
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	env.ApprovalIDs = append(env.ApprovalIDs, rec.ID)

	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist pending approval: %w", err)
	}
	o.log.Info("approval requested",
		slog.String("envelope_id", env.ID),
		slog.String("approval_id", rec.ID),
		slog.String("requirement", string(rec.Requirement)))
	return &Result{Outcome: OutcomePendingApproval, Envelope: env, Trace: trace, Approval: rec}, nil
}

func approvalCreateInput(env *contracts.Envelope, identity *contracts.IdentitySpec, trace *contracts.DecisionTrace, snapshot map[string]any, approvers []string, req ProposeRequest, ttl time.Duration) approval.CreateInput {
	fallback := ""
	if len(identity.DelegatedApprovers) > 0 {
		fallback = identity.DelegatedApprovers[0]
	}
	return approval.CreateInput{
		ActionID:         env.Proposals[0].ActionType,
		EnvelopeID:       env.ID,
		EnvelopeVersion:  env.Version,
		Summary:          fmt.Sprintf("%s requires %s approval", env.Proposals[0].ActionType, trace.ApprovalRequired),
		RiskCategory:     trace.Risk.Category,
		Requirement:      trace.ApprovalRequired,
		Parameters:       env.Proposals[0].Parameters,
		Trace:            trace,
		ContextSnapshot:  snapshot,
		Identity:         identity,
		Approvers:        approvers,
		FallbackApprover: fallback,
		TTL:              ttl,
		ExpiredBehavior:  req.ExpiredBehavior,
		QuorumRequired:   req.QuorumRequired,
	}
}

func (o *Orchestrator) evaluatedEvent(env *contracts.Envelope, trace *contracts.DecisionTrace) ledger.Event {
	snapshot := map[string]any{
		"decision":          string(trace.FinalDecision),
		"approval_required": string(trace.ApprovalRequired),
		"risk_raw":          trace.Risk.Raw,
		"risk_category":     string(trace.Risk.Category),
	}
	if env.GovernanceNote != "" {
		snapshot["governance_note"] = env.GovernanceNote
	}
	return ledger.Event{
		Type:         contracts.EventActionEvaluated,
		ActorType:    contracts.ActorSystem,
		ActorID:      "policy-engine",
		RiskCategory: trace.Risk.Category,
		Summary:      trace.Explanation,
		Snapshot:     snapshot,
		Evidence:     []any{trace},
	}
}
