package orchestrator

import (
	"context"
	"fmt"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
)

// UndoRequest asks to reverse an executed envelope using the undo
// recipe its cartridge produced at execution time.
type UndoRequest struct {
	EnvelopeID  string `json:"envelope_id"`
	RequestedBy string `json:"requested_by"`
	Async       bool   `json:"async,omitempty"`
}

// RequestUndo proposes the reverse action as a new child envelope. The
// reversal is a first-class proposal: it runs the entire governance
// pipeline and may itself require approval or be denied.
func (o *Orchestrator) RequestUndo(ctx context.Context, req UndoRequest) (*Result, error) {
	parent, err := o.envelopes.Get(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if parent.Status != contracts.StatusExecuted {
		return nil, &contracts.ValidationError{
			Fields: []string{"envelope_id"},
			Detail: fmt.Sprintf("envelope %s is %s; only executed envelopes can be reversed", parent.ID, parent.Status),
		}
	}
	recipe := parent.UndoRecipe
	if recipe == nil {
		return nil, &contracts.ValidationError{
			Fields: []string{"envelope_id"},
			Detail: fmt.Sprintf("envelope %s has no undo recipe", parent.ID),
		}
	}
	if o.clock().UTC().After(recipe.ExpiresAt) {
		return nil, &contracts.ValidationError{
			Fields: []string{"envelope_id"},
			Detail: fmt.Sprintf("undo recipe for envelope %s expired at %s", parent.ID, recipe.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")),
		}
	}

	if err := o.record(ctx, parent, ledger.Event{
		Type:      contracts.EventUndoRequested,
		ActorType: contracts.ActorHuman,
		ActorID:   req.RequestedBy,
		Summary:   fmt.Sprintf("undo requested for %s", parent.Proposals[0].ActionType),
		Snapshot: map[string]any{
			"reverse_action_type": recipe.ReverseActionType,
		},
	}); err != nil {
		return nil, err
	}
	expected := parent.Version
	parent.Version++
	parent.UpdatedAt = o.clock().UTC()
	if err := o.envelopes.Update(ctx, parent, expected); err != nil {
		return nil, fmt.Errorf("persist undo request: %w", err)
	}

	principal := req.RequestedBy
	if principal == "" {
		principal = parent.PrincipalID
	}
	return o.ResolveAndPropose(ctx, ProposeRequest{
		PrincipalID:    principal,
		OrganizationID: parent.OrganizationID,
		CartridgeID:    parent.CartridgeID,
		Proposal: contracts.Proposal{
			ActionType: recipe.ReverseActionType,
			Parameters: recipe.ReverseParameters,
			Evidence:   fmt.Sprintf("reversal of envelope %s", parent.ID),
			Confidence: 1,
		},
		TraceID:          parent.TraceID,
		Async:            req.Async,
		ParentEnvelopeID: parent.ID,
		governanceNote:   "undo",
	})
}
