// Package orchestrator drives an agent proposal through the governance
// lifecycle: resolution, evaluation, approval routing, execution and
// undo. Every state change is audited before it commits, and every
// envelope mutation is an optimistic-concurrency write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/cartridge"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/guardrail"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/store"
)

// Outcome is the caller-facing result of a lifecycle operation.
type Outcome string

const (
	OutcomeExecuted        Outcome = "EXECUTED"
	OutcomeQueued          Outcome = "QUEUED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeDenied          Outcome = "DENIED"
)

// AmbiguityMode selects how an ambiguous entity resolution surfaces.
type AmbiguityMode string

const (
	// AmbiguityClarify returns a NeedsClarificationError before any
	// envelope exists, so the caller can pick an alternative.
	AmbiguityClarify AmbiguityMode = "clarify"
	// AmbiguityEscalate creates the envelope and lets the policy
	// pipeline escalate the approval requirement.
	AmbiguityEscalate AmbiguityMode = "escalate"
	// AmbiguityDeny creates the envelope and denies.
	AmbiguityDeny AmbiguityMode = "deny"
)

// maxDelegationDepth bounds acting-for chain resolution.
const maxDelegationDepth = 5

// Config wires an Orchestrator.
type Config struct {
	Envelopes  store.EnvelopeStore
	Identities store.IdentityStore
	Policies   store.PolicyStore
	Spend      store.SpendStore
	Approvals  *approval.Manager
	Audit      *ledger.Ledger
	Engine     *policy.Engine
	Guardrails *guardrail.Engine
	Registry   *cartridge.Registry
	Queue      *Queue
	Log        *slog.Logger

	// ApprovalTTL overrides the default approval time to live.
	ApprovalTTL time.Duration
	// Ambiguity defaults to AmbiguityClarify.
	Ambiguity AmbiguityMode
}

// Orchestrator owns envelope lifecycle transitions. Nothing else in the
// runtime mutates envelopes.
type Orchestrator struct {
	envelopes  store.EnvelopeStore
	identities store.IdentityStore
	policies   store.PolicyStore
	spend      store.SpendStore
	approvals  *approval.Manager
	audit      *ledger.Ledger
	engine     *policy.Engine
	guardrails *guardrail.Engine
	registry   *cartridge.Registry
	queue      *Queue
	log        *slog.Logger
	clock      func() time.Time

	approvalTTL time.Duration
	ambiguity   AmbiguityMode
}

// New builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Envelopes == nil, cfg.Identities == nil, cfg.Policies == nil,
		cfg.Approvals == nil, cfg.Audit == nil, cfg.Engine == nil,
		cfg.Guardrails == nil, cfg.Registry == nil:
		return nil, errors.New("orchestrator: missing required component")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Ambiguity == "" {
		cfg.Ambiguity = AmbiguityClarify
	}
	return &Orchestrator{
		envelopes:   cfg.Envelopes,
		identities:  cfg.Identities,
		policies:    cfg.Policies,
		spend:       cfg.Spend,
		approvals:   cfg.Approvals,
		audit:       cfg.Audit,
		engine:      cfg.Engine,
		guardrails:  cfg.Guardrails,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		log:         cfg.Log,
		clock:       time.Now,
		approvalTTL: cfg.ApprovalTTL,
		ambiguity:   cfg.Ambiguity,
	}, nil
}

// WithClock overrides the clock for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Result is the outcome of one lifecycle operation.
type Result struct {
	Outcome   Outcome                    `json:"outcome"`
	Envelope  *contracts.Envelope        `json:"envelope"`
	Trace     *contracts.DecisionTrace   `json:"decision_trace,omitempty"`
	Approval  *contracts.ApprovalRecord  `json:"approval,omitempty"`
	Execution *contracts.ExecutionResult `json:"execution_result,omitempty"`
}

// GetEnvelope loads one envelope.
func (o *Orchestrator) GetEnvelope(ctx context.Context, id string) (*contracts.Envelope, error) {
	return o.envelopes.Get(ctx, id)
}

// identity loads the principal's governance configuration, falling back
// to a guarded default when no spec exists.
func (o *Orchestrator) identity(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error) {
	spec, err := o.identities.Get(ctx, principalID, organizationID)
	if errors.Is(err, contracts.ErrNotFound) {
		return &contracts.IdentitySpec{
			PrincipalID:    principalID,
			OrganizationID: organizationID,
			Profile:        contracts.ProfileGuarded,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", principalID, err)
	}
	return spec, nil
}

// record appends one audit entry and tracks its ID on the envelope.
// A ledger failure aborts the surrounding state change.
func (o *Orchestrator) record(ctx context.Context, env *contracts.Envelope, ev ledger.Event) error {
	ev.EnvelopeID = env.ID
	ev.OrganizationID = env.OrganizationID
	if ev.EntityType == "" {
		ev.EntityType = "envelope"
		ev.EntityID = env.ID
	}
	entry, err := o.audit.Record(ctx, ev)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrLedgerAppend, err)
	}
	env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
	return nil
}

// delegation resolves the acting-for chain for a delegated principal by
// walking identity specs up to maxDelegationDepth hops.
func (o *Orchestrator) delegation(ctx context.Context, identity *contracts.IdentitySpec) *policy.DelegationCheck {
	if identity.ActingFor == "" {
		return nil
	}
	chain := []string{identity.PrincipalID}
	seen := map[string]bool{identity.PrincipalID: true}
	cur := identity
	for range maxDelegationDepth {
		next, err := o.identities.Get(ctx, cur.ActingFor, identity.OrganizationID)
		if err != nil {
			return &policy.DelegationCheck{
				Valid:  false,
				Chain:  chain,
				Detail: fmt.Sprintf("principal %s in the delegation chain could not be resolved", cur.ActingFor),
			}
		}
		if seen[next.PrincipalID] {
			return &policy.DelegationCheck{Valid: false, Chain: chain, Detail: "delegation chain contains a cycle"}
		}
		seen[next.PrincipalID] = true
		chain = append(chain, next.PrincipalID)
		if next.ActingFor == "" {
			return &policy.DelegationCheck{Valid: true, Chain: chain}
		}
		cur = next
	}
	return &policy.DelegationCheck{Valid: false, Chain: chain, Detail: "delegation chain exceeds maximum depth"}
}
