package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
)

// RespondRequest is one approver's response to a pending approval.
type RespondRequest struct {
	ApprovalID  string                   `json:"approval_id"`
	Action      contracts.ApprovalAction `json:"action"`
	RespondedBy string                   `json:"responded_by"`
	BindingHash string                   `json:"binding_hash"`
	PatchValue  map[string]any           `json:"patch_value,omitempty"`

	// Async queues execution of an approved envelope instead of running
	// it inline.
	Async bool `json:"async,omitempty"`
}

// RespondToApproval validates and applies one approval response, then
// drives the envelope-side consequence: execution on approve or patch,
// denial on reject. A quorum response that does not yet decide leaves
// everything pending.
func (o *Orchestrator) RespondToApproval(ctx context.Context, req RespondRequest) (*Result, error) {
	rec, err := o.approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	env, err := o.envelopes.Get(ctx, rec.EnvelopeID)
	if err != nil {
		return nil, fmt.Errorf("load envelope %s: %w", rec.EnvelopeID, err)
	}
	identity, err := o.identity(ctx, env.PrincipalID, env.OrganizationID)
	if err != nil {
		return nil, err
	}

	rec, err = o.approvals.Respond(ctx, approval.RespondInput{
		ID:          req.ApprovalID,
		Action:      req.Action,
		RespondedBy: req.RespondedBy,
		BindingHash: req.BindingHash,
		PatchValue:  req.PatchValue,
		Parameters:  env.Proposals[0].Parameters,
		ReEvaluate: func(ctx context.Context, params map[string]any) (*contracts.DecisionTrace, error) {
			return o.evaluate(ctx, env, identity, params, nil, false)
		},
	})
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case contracts.ApprovalPending:
		// Quorum progressed without deciding.
		return &Result{Outcome: OutcomePendingApproval, Envelope: env, Approval: rec}, nil
	case contracts.ApprovalApproved:
		return o.onApproved(ctx, env, rec, req.Async)
	case contracts.ApprovalRejected:
		return o.onRejected(ctx, env, rec)
	case contracts.ApprovalPatched:
		return o.onPatched(ctx, env, rec, req.Async)
	default:
		return nil, fmt.Errorf("approval %s in unexpected status %s", rec.ID, rec.Status)
	}
}

func (o *Orchestrator) onApproved(ctx context.Context, env *contracts.Envelope, rec *contracts.ApprovalRecord, async bool) (*Result, error) {
	now := o.clock().UTC()
	expected := env.Version

	if err := o.record(ctx, env, ledger.Event{
		Type:         contracts.EventActionApproved,
		ActorType:    contracts.ActorHuman,
		ActorID:      rec.RespondedBy,
		RiskCategory: rec.RiskCategory,
		Summary:      fmt.Sprintf("approved by %s", rec.RespondedBy),
		Snapshot:     map[string]any{"approval_id": rec.ID, "requirement": string(rec.Requirement)},
	}); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusApproved, now); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusQueued, now); err != nil {
		return nil, err
	}
	if err := o.record(ctx, env, ledger.Event{
		Type:      contracts.EventActionQueued,
		ActorType: contracts.ActorSystem,
		ActorID:   "orchestrator",
		Summary:   "queued for execution after approval",
	}); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	if async && o.queue != nil {
		if err := o.queue.Enqueue(env.ID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeQueued, Envelope: env, Approval: rec}, nil
	}
	result, err := o.ExecuteApproved(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	result.Approval = rec
	return result, nil
}

func (o *Orchestrator) onRejected(ctx context.Context, env *contracts.Envelope, rec *contracts.ApprovalRecord) (*Result, error) {
	expected := env.Version
	if err := o.record(ctx, env, ledger.Event{
		Type:         contracts.EventActionRejected,
		ActorType:    contracts.ActorHuman,
		ActorID:      rec.RespondedBy,
		RiskCategory: rec.RiskCategory,
		Summary:      fmt.Sprintf("rejected by %s", rec.RespondedBy),
		Snapshot:     map[string]any{"approval_id": rec.ID},
	}); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusDenied, o.clock().UTC()); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist rejection: %w", err)
	}
	return &Result{Outcome: OutcomeDenied, Envelope: env, Approval: rec}, nil
}

// onPatched applies the approver's merged parameters to the proposal
// and executes. The patch already passed re-evaluation inside the
// approval manager.
func (o *Orchestrator) onPatched(ctx context.Context, env *contracts.Envelope, rec *contracts.ApprovalRecord, async bool) (*Result, error) {
	now := o.clock().UTC()
	expected := env.Version

	merged := approval.MergeParameters(env.Proposals[0].Parameters, rec.PatchValue)
	env.Proposals[0].Parameters = merged
	if rec.Evidence.DecisionTrace != nil {
		env.DecisionTraces = append(env.DecisionTraces, *rec.Evidence.DecisionTrace)
	}

	if err := o.record(ctx, env, ledger.Event{
		Type:         contracts.EventActionPatched,
		ActorType:    contracts.ActorHuman,
		ActorID:      rec.RespondedBy,
		RiskCategory: rec.RiskCategory,
		Summary:      fmt.Sprintf("approved with modifications by %s", rec.RespondedBy),
		Snapshot:     map[string]any{"approval_id": rec.ID, "patch_value": rec.PatchValue},
	}); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusApproved, now); err != nil {
		return nil, err
	}
	if err := env.Transition(contracts.StatusQueued, now); err != nil {
		return nil, err
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		return nil, fmt.Errorf("persist patch: %w", err)
	}

	if async && o.queue != nil {
		if err := o.queue.Enqueue(env.ID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeQueued, Envelope: env, Approval: rec}, nil
	}
	result, err := o.ExecuteApproved(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	result.Approval = rec
	return result, nil
}

func quorumRequired(rec *contracts.ApprovalRecord) int {
	if rec.Quorum == nil {
		return 0
	}
	return rec.Quorum.Required
}

// HandleExpiredApproval is the sweeper callback. It applies the
// record's expired behavior to the envelope: deny parks it at expired,
// re_request binds a fresh approval to the envelope's next version so
// the stale binding hash can never authorize again.
func (o *Orchestrator) HandleExpiredApproval(ctx context.Context, rec *contracts.ApprovalRecord) {
	env, err := o.envelopes.Get(ctx, rec.EnvelopeID)
	if err != nil {
		o.log.Error("expired approval: envelope load failed",
			slog.String("envelope_id", rec.EnvelopeID), slog.Any("error", err))
		return
	}
	if env.Status != contracts.StatusPendingApproval {
		return
	}
	expected := env.Version
	now := o.clock().UTC()

	if rec.ExpiredBehavior == contracts.ExpiredReRequest {
		env.Version++
		env.UpdatedAt = now
		fresh, err := o.approvals.Create(ctx, approval.CreateInput{
			ActionID:         rec.ActionID,
			EnvelopeID:       env.ID,
			EnvelopeVersion:  env.Version,
			Summary:          rec.Summary,
			RiskCategory:     rec.RiskCategory,
			Requirement:      rec.Requirement,
			Parameters:       env.Proposals[0].Parameters,
			Trace:            rec.Evidence.DecisionTrace,
			ContextSnapshot:  rec.Evidence.ContextSnapshot,
			Identity:         rec.Evidence.IdentitySnapshot,
			Approvers:        rec.Approvers,
			FallbackApprover: rec.FallbackApprover,
			ExpiredBehavior:  rec.ExpiredBehavior,
			QuorumRequired:   quorumRequired(rec),
		})
		if err != nil {
			o.log.Error("expired approval: re-request failed",
				slog.String("approval_id", rec.ID), slog.Any("error", err))
			return
		}
		env.ApprovalIDs = append(env.ApprovalIDs, fresh.ID)
		if err := o.envelopes.Update(ctx, env, expected); err != nil {
			o.log.Error("expired approval: envelope update failed",
				slog.String("envelope_id", env.ID), slog.Any("error", err))
		}
		return
	}

	if err := env.Transition(contracts.StatusExpired, now); err != nil {
		return
	}
	env.GovernanceNote = "approval expired"
	if err := o.record(ctx, env, ledger.Event{
		Type:         contracts.EventActionExpired,
		ActorType:    contracts.ActorSystem,
		ActorID:      "approval-sweeper",
		RiskCategory: rec.RiskCategory,
		Summary:      "approval expired without a response",
		Snapshot:     map[string]any{"approval_id": rec.ID},
	}); err != nil {
		o.log.Error("expired approval: audit failed", slog.Any("error", err))
		return
	}
	if err := o.envelopes.Update(ctx, env, expected); err != nil {
		o.log.Error("expired approval: envelope update failed",
			slog.String("envelope_id", env.ID), slog.Any("error", err))
	}
}
