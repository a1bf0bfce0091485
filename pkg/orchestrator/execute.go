package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
)

// ExecuteApproved runs a queued envelope's side effect through its
// cartridge. A cartridge failure is a governed outcome, not an error:
// the envelope transitions to failed, the failure is audited, and the
// caller gets the unsuccessful execution result.
//
// Guardrail counters and spend rollups move only after success, so a
// denied or failed attempt never consumes budget.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, envelopeID string) (*Result, error) {
	env, err := o.envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}

	now := o.clock().UTC()
	expected := env.Version
	if env.Status == contracts.StatusApproved {
		if err := env.Transition(contracts.StatusQueued, now); err != nil {
			return nil, err
		}
	}
	if env.Status != contracts.StatusQueued {
		return nil, fmt.Errorf("envelope %s is %s, not executable: %w", env.ID, env.Status, contracts.ErrInvalidTransition)
	}
	if err := env.Transition(contracts.StatusExecuting, now); err != nil {
		return nil, err
	}
	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionExecuting,
		ActorType: contracts.ActorSystem,
		ActorID:   "orchestrator",
		Summary:   fmt.Sprintf("executing %s", env.Proposals[0].ActionType),
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist executing: %w", err)
	}

	actionType := env.Proposals[0].ActionType
	result, undo, execErr := o.registry.Execute(ctx, env.CartridgeID, actionType, env.Proposals[0].Parameters, contracts.ExecutionContext{
		EnvelopeID:     env.ID,
		PrincipalID:    env.PrincipalID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})

	if execErr != nil || result == nil || !result.Success {
		return o.onExecutionFailed(ctx, env, result, execErr)
	}
	return o.onExecuted(ctx, env, result, undo)
}

func (o *Orchestrator) onExecuted(ctx context.Context, env *contracts.Envelope, result *contracts.ExecutionResult, undo *contracts.UndoRecipe) (*Result, error) {
	now := o.clock().UTC()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	expected := env.Version
	env.ExecutionResults = append(env.ExecutionResults, *result)
	env.UndoRecipe = undo
	if err := env.Transition(contracts.StatusExecuted, now); err != nil {
		return nil, err
	}

	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionExecuted,
		ActorType: contracts.ActorSystem,
		ActorID:   "orchestrator",
		Summary:   result.Summary,
		Snapshot: map[string]any{
			"action_type":   env.Proposals[0].ActionType,
			"dollars_spent": result.DollarsSpent,
			"external_refs": result.ExternalRefs,
			"reversible":    undo != nil,
		},
		Evidence: []any{result},
	}); err != nil {
		return nil, err
	}
	if env.ParentEnvelopeID != "" && env.GovernanceNote == "undo" {
		if err := o.record(ctx, env, ledger.Event{
			Type:      contracts.EventUndoExecuted,
			ActorType: contracts.ActorSystem,
			ActorID:   "orchestrator",
			Summary:   fmt.Sprintf("reversed envelope %s", env.ParentEnvelopeID),
			Snapshot:  map[string]any{"parent_envelope_id": env.ParentEnvelopeID},
		}); err != nil {
			return nil, err
		}
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	o.commitGuardrails(ctx, env, result)
	return &Result{Outcome: OutcomeExecuted, Envelope: env, Execution: result}, nil
}

func (o *Orchestrator) onExecutionFailed(ctx context.Context, env *contracts.Envelope, result *contracts.ExecutionResult, execErr error) (*Result, error) {
	now := o.clock().UTC()
	if result == nil {
		result = &contracts.ExecutionResult{Success: false}
		if execErr != nil {
			result.Summary = execErr.Error()
		}
	}
	result.Success = false
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}

	expected := env.Version
	env.ExecutionResults = append(env.ExecutionResults, *result)
	if err := env.Transition(contracts.StatusFailed, now); err != nil {
		return nil, err
	}

	snapshot := map[string]any{
		"action_type":      env.Proposals[0].ActionType,
		"partial_failures": result.PartialFailures,
	}
	if execErr != nil {
		snapshot["error"] = execErr.Error()
	}
	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionFailed,
		ActorType: contracts.ActorSystem,
		ActorID:   "orchestrator",
		Summary:   fmt.Sprintf("execution of %s failed", env.Proposals[0].ActionType),
		Snapshot:  snapshot,
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	return &Result{Outcome: OutcomeExecuted, Envelope: env, Execution: result}, nil
}

// commitGuardrails moves the rate, cooldown, spend and activity
// counters after a successful execution. Failures here are logged, not
// surfaced: the side effect already happened.
func (o *Orchestrator) commitGuardrails(ctx context.Context, env *contracts.Envelope, result *contracts.ExecutionResult) {
	var spec *contracts.GuardrailSpec
	if cart, err := o.registry.Get(env.CartridgeID); err == nil {
		if s, err := cart.GetGuardrails(ctx); err == nil {
			spec = s
		}
	}

	entityID := ""
	for _, re := range env.ResolvedEntities {
		if re.Entity != nil {
			entityID = re.Entity.ID
			break
		}
	}

	if err := o.guardrails.Commit(ctx, env.PrincipalID, env.CartridgeID, env.Proposals[0].ActionType, entityID, result.DollarsSpent, spec); err != nil {
		o.log.Error("guardrail commit failed",
			slog.String("envelope_id", env.ID), slog.Any("error", err))
	}
	if o.spend != nil && result.DollarsSpent > 0 {
		if err := o.spend.Add(ctx, env.PrincipalID, env.CartridgeID, result.CompletedAt, result.DollarsSpent); err != nil {
			o.log.Error("spend rollup failed",
				slog.String("envelope_id", env.ID), slog.Any("error", err))
		}
	}
}
