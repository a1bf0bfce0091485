// Package approval creates, binds, routes, expires and responds to
// human approval requests. Every response is validated against the
// binding hash computed at request time, so an approval can never
// apply to a proposal that drifted after the approver saw it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/canonicalize"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/store"
)

// DefaultTTL bounds how long a request stays actionable.
const DefaultTTL = 24 * time.Hour

// Manager owns approval record state. Envelope transitions and audit
// entries for decisions belong to the orchestrator.
type Manager struct {
	approvals store.ApprovalStore
	log       *slog.Logger
	clock     func() time.Time
}

// NewManager builds a Manager.
func NewManager(approvals store.ApprovalStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{approvals: approvals, log: log, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateInput carries everything needed to bind a new request.
type CreateInput struct {
	ActionID        string
	EnvelopeID      string
	EnvelopeVersion int64
	Summary         string
	RiskCategory    contracts.RiskCategory
	Requirement     contracts.ApprovalRequirement
	Parameters      map[string]any
	Trace           *contracts.DecisionTrace
	ContextSnapshot map[string]any
	Identity        *contracts.IdentitySpec

	Approvers        []string
	FallbackApprover string
	SuggestedButtons []string
	TTL              time.Duration
	ExpiredBehavior  contracts.ExpiredBehavior
	QuorumRequired   int
}

// Create computes the binding hash and persists a pending request.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*contracts.ApprovalRecord, error) {
	hash, err := BindingHash(in.EnvelopeID, in.EnvelopeVersion, in.ActionID, in.Parameters, in.Trace, in.ContextSnapshot)
	if err != nil {
		return nil, err
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	behavior := in.ExpiredBehavior
	if behavior == "" {
		behavior = contracts.ExpiredDeny
	}
	buttons := in.SuggestedButtons
	if len(buttons) == 0 {
		buttons = []string{"approve", "reject"}
	}

	now := m.clock().UTC()
	rec := &contracts.ApprovalRecord{
		ID:              "apr_" + uuid.NewString(),
		ActionID:        in.ActionID,
		EnvelopeID:      in.EnvelopeID,
		EnvelopeVersion: in.EnvelopeVersion,
		Version:         1,
		Summary:         in.Summary,
		RiskCategory:    in.RiskCategory,
		Requirement:     in.Requirement,
		BindingHash:     hash,
		Evidence: contracts.EvidenceBundle{
			DecisionTrace:    in.Trace,
			ContextSnapshot:  in.ContextSnapshot,
			IdentitySnapshot: in.Identity,
		},
		SuggestedButtons: buttons,
		Approvers:        in.Approvers,
		FallbackApprover: in.FallbackApprover,
		Status:           contracts.ApprovalPending,
		ExpiresAt:        now.Add(ttl),
		ExpiredBehavior:  behavior,
		CreatedAt:        now,
	}
	if in.QuorumRequired > 1 {
		rec.Quorum = &contracts.Quorum{Required: in.QuorumRequired}
	}

	if err := m.approvals.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return rec, nil
}

// Get loads one record.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error) {
	return m.approvals.Get(ctx, id)
}

// ListPending lists pending records.
func (m *Manager) ListPending(ctx context.Context, limit int) ([]*contracts.ApprovalRecord, error) {
	return m.approvals.ListPending(ctx, limit)
}

// RespondInput is one approver's response.
type RespondInput struct {
	ID          string
	Action      contracts.ApprovalAction
	RespondedBy string
	BindingHash string

	// PatchValue is shallow-merged over Parameters for action "patch".
	PatchValue map[string]any
	// Parameters are the proposal's current parameters; required for
	// patch re-evaluation.
	Parameters map[string]any
	// ReEvaluate re-runs the policy pipeline over the patched
	// parameters. Required for patch.
	ReEvaluate func(ctx context.Context, params map[string]any) (*contracts.DecisionTrace, error)
}

// Respond applies one response. On a version conflict it retries once
// from a fresh read; a second conflict surfaces ErrStaleVersion.
func (m *Manager) Respond(ctx context.Context, in RespondInput) (*contracts.ApprovalRecord, error) {
	rec, err := m.respondOnce(ctx, in)
	if errors.Is(err, contracts.ErrStaleVersion) {
		m.log.Debug("approval response lost race, retrying", slog.String("approval_id", in.ID))
		rec, err = m.respondOnce(ctx, in)
	}
	return rec, err
}

func (m *Manager) respondOnce(ctx context.Context, in RespondInput) (*contracts.ApprovalRecord, error) {
	rec, err := m.approvals.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	switch {
	case rec.Status == contracts.ApprovalExpiredState || (rec.Status == contracts.ApprovalPending && now.After(rec.ExpiresAt)):
		return nil, fmt.Errorf("approval %s: %w", rec.ID, contracts.ErrApprovalExpired)
	case rec.Status.IsTerminal():
		return nil, fmt.Errorf("approval %s is %s: %w", rec.ID, rec.Status, contracts.ErrApprovalAlreadyDecided)
	}
	if !m.authorized(rec, in.RespondedBy) {
		return nil, fmt.Errorf("%s may not respond to approval %s: %w", in.RespondedBy, rec.ID, contracts.ErrForbidden)
	}
	if !canonicalize.ConstantTimeEqual(in.BindingHash, rec.BindingHash) {
		return nil, fmt.Errorf("approval %s: %w", rec.ID, contracts.ErrBindingHashMismatch)
	}

	expectedVersion := rec.Version
	switch in.Action {
	case contracts.ActionApprove:
		m.applyApprove(rec, in.RespondedBy, in.BindingHash, now)
	case contracts.ActionReject:
		rec.Status = contracts.ApprovalRejected
		rec.RespondedBy = in.RespondedBy
		rec.RespondedAt = &now
	case contracts.ActionPatch:
		if err := m.applyPatch(ctx, rec, in, now); err != nil {
			return nil, err
		}
	default:
		return nil, &contracts.ValidationError{Fields: []string{"action"}, Detail: fmt.Sprintf("unknown action %q", in.Action)}
	}

	rec.Version++
	if err := m.approvals.UpdateState(ctx, rec, expectedVersion); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) authorized(rec *contracts.ApprovalRecord, approverID string) bool {
	if len(rec.Approvers) == 0 {
		return true
	}
	for _, a := range rec.Approvers {
		if a == approverID {
			return true
		}
	}
	return rec.FallbackApprover != "" && rec.FallbackApprover == approverID
}

// applyApprove handles quorum: duplicate approvers are idempotent, and
// the record flips to approved only when the quorum is met. Without a
// quorum a single approval decides.
func (m *Manager) applyApprove(rec *contracts.ApprovalRecord, approverID, hash string, now time.Time) {
	if rec.Quorum == nil {
		rec.Status = contracts.ApprovalApproved
		rec.RespondedBy = approverID
		rec.RespondedAt = &now
		return
	}
	for _, entry := range rec.Quorum.ApprovalHashes {
		if entry.ApproverID == approverID {
			return // idempotent
		}
	}
	rec.Quorum.ApprovalHashes = append(rec.Quorum.ApprovalHashes, contracts.QuorumEntry{
		ApproverID: approverID, Hash: hash, ApprovedAt: now,
	})
	if len(rec.Quorum.ApprovalHashes) >= rec.Quorum.Required {
		rec.Status = contracts.ApprovalApproved
		rec.RespondedBy = approverID
		rec.RespondedAt = &now
	}
}

// applyPatch commits only when the patched parameters do not raise the
// approval requirement above what this request already demands.
func (m *Manager) applyPatch(ctx context.Context, rec *contracts.ApprovalRecord, in RespondInput, now time.Time) error {
	if in.ReEvaluate == nil {
		return &contracts.ValidationError{Fields: []string{"patchValue"}, Detail: "patch is not supported on this endpoint"}
	}

	merged := MergeParameters(in.Parameters, in.PatchValue)
	trace, err := in.ReEvaluate(ctx, merged)
	if err != nil {
		return fmt.Errorf("re-evaluate patch: %w", err)
	}
	if trace.FinalDecision == contracts.DecisionDeny {
		return fmt.Errorf("patched parameters are denied by policy: %w", contracts.ErrForbidden)
	}
	if trace.ApprovalRequired.Rank() > rec.Requirement.Rank() {
		return fmt.Errorf("patch raises approval requirement to %s: %w", trace.ApprovalRequired, contracts.ErrForbidden)
	}

	rec.Status = contracts.ApprovalPatched
	rec.RespondedBy = in.RespondedBy
	rec.RespondedAt = &now
	rec.PatchValue = in.PatchValue
	rec.Evidence.DecisionTrace = trace
	return nil
}

// MergeParameters shallow-merges patch over base without mutating
// either map.
func MergeParameters(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
