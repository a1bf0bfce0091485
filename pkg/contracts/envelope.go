// Package contracts defines the shared data contracts of the governance
// runtime: the envelope lifecycle, decision traces, approval records,
// audit entries, identity specs, and policies.
//
// Contracts are plain json-tagged structs. Hashing over a contract always
// goes through canonical JSON (RFC 8785); see pkg/canonicalize.
package contracts

import "time"

// EnvelopeStatus tracks a proposal through its lifecycle.
type EnvelopeStatus string

const (
	StatusInterpreting    EnvelopeStatus = "interpreting"
	StatusResolving       EnvelopeStatus = "resolving"
	StatusProposed        EnvelopeStatus = "proposed"
	StatusEvaluating      EnvelopeStatus = "evaluating"
	StatusPendingApproval EnvelopeStatus = "pending_approval"
	StatusApproved        EnvelopeStatus = "approved"
	StatusQueued          EnvelopeStatus = "queued"
	StatusExecuting       EnvelopeStatus = "executing"
	StatusExecuted        EnvelopeStatus = "executed"
	StatusFailed          EnvelopeStatus = "failed"
	StatusDenied          EnvelopeStatus = "denied"
	StatusExpired         EnvelopeStatus = "expired"
)

// envelopeTransitions is the allowed lifecycle DAG. Any transition not
// listed here is an ErrInvalidTransition.
var envelopeTransitions = map[EnvelopeStatus][]EnvelopeStatus{
	StatusInterpreting:    {StatusResolving},
	StatusResolving:       {StatusProposed},
	StatusProposed:        {StatusEvaluating, StatusQueued, StatusDenied},
	StatusEvaluating:      {StatusPendingApproval, StatusQueued, StatusDenied},
	StatusPendingApproval: {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved:        {StatusQueued},
	StatusQueued:          {StatusExecuting},
	StatusExecuting:       {StatusExecuted, StatusFailed},
}

// IsTerminal reports whether the status has no outgoing lifecycle edges.
func (s EnvelopeStatus) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an allowed lifecycle edge.
// Any non-terminal status may expire via the TTL sweeper.
func CanTransition(from, to EnvelopeStatus) bool {
	if to == StatusExpired && !from.IsTerminal() {
		return true
	}
	for _, next := range envelopeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Envelope is the durable record of one agent request's progress through
// the lifecycle. It is mutated only through the orchestrator; every
// persisted mutation bumps Version and is committed with a CAS on the
// expected version.
type Envelope struct {
	ID               string            `json:"id"`
	Version          int64             `json:"version"`
	Status           EnvelopeStatus    `json:"status"`
	PrincipalID      string            `json:"principal_id"`
	OrganizationID   string            `json:"organization_id,omitempty"`
	CartridgeID      string            `json:"cartridge_id"`
	Proposals        []Proposal        `json:"proposals"`
	ResolvedEntities []ResolvedEntity  `json:"resolved_entities,omitempty"`
	Plan             *Plan             `json:"plan,omitempty"`
	DecisionTraces   []DecisionTrace   `json:"decision_traces,omitempty"`
	ApprovalIDs      []string          `json:"approval_ids,omitempty"`
	ExecutionResults []ExecutionResult `json:"execution_results,omitempty"`
	AuditEntryIDs    []string          `json:"audit_entry_ids,omitempty"`
	UndoRecipe       *UndoRecipe       `json:"undo_recipe,omitempty"`
	ParentEnvelopeID string            `json:"parent_envelope_id,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
	GovernanceNote   string            `json:"governance_note,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Transition applies a lifecycle edge in memory. It does not persist;
// the caller commits via the envelope store's CAS update.
func (e *Envelope) Transition(to EnvelopeStatus, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return ErrInvalidTransition
	}
	e.Status = to
	e.Version++
	e.UpdatedAt = now
	return nil
}

// Plan is an optional multi-step execution plan attached by an interpreter.
type Plan struct {
	Steps   []PlanStep `json:"steps"`
	Summary string     `json:"summary,omitempty"`
}

// PlanStep is one step of a plan.
type PlanStep struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ExecutionResult captures the outcome of one cartridge execution.
type ExecutionResult struct {
	Success         bool           `json:"success"`
	Summary         string         `json:"summary,omitempty"`
	ExternalRefs    []string       `json:"external_refs,omitempty"`
	PartialFailures []string       `json:"partial_failures,omitempty"`
	DollarsSpent    float64        `json:"dollars_spent,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// UndoRecipe is a pre-computed reverse action created at execution time
// by the cartridge. Undo runs through the full governance pipeline.
type UndoRecipe struct {
	ReverseActionType string         `json:"reverse_action_type"`
	ReverseParameters map[string]any `json:"reverse_parameters"`
	ExpiresAt         time.Time      `json:"expires_at"`
}
