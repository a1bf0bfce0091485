package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/contracts"
)

// Simulate runs the full evaluation pipeline over a proposal without
// creating an envelope, auditing, or consuming any guardrail budget.
// The returned trace shows exactly what ResolveAndPropose would decide
// right now.
func (o *Orchestrator) Simulate(ctx context.Context, req ProposeRequest) (*contracts.DecisionTrace, error) {
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

	// Ambiguity never aborts a simulation; the engine reports it as an
	// escalation instead.
	entities := make([]contracts.ResolvedEntity, 0, len(req.EntityRefs))
	if resolver, ok := o.registry.Resolver(req.CartridgeID); ok {
		for _, ref := range req.EntityRefs {
			resolved, err := resolver.ResolveEntity(ctx, ref)
			if err != nil {
				return nil, err
			}
			entities = append(entities, *resolved)
		}
	}

	params, err := cart.EnrichContext(ctx, req.Proposal.ActionType, req.Proposal.Parameters)
	if err != nil {
		return nil, err
	}

	scratch := &contracts.Envelope{
		ID:               "sim_" + uuid.NewString(),
		CartridgeID:      req.CartridgeID,
		OrganizationID:   req.OrganizationID,
		PrincipalID:      req.PrincipalID,
		Proposals:        []contracts.Proposal{req.Proposal},
		ResolvedEntities: entities,
	}
	return o.evaluate(ctx, scratch, identity, params, req.Metadata, req.EmergencyOverride)
}
