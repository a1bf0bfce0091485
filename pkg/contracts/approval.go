package contracts

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
// Every non-pending status is terminal.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalExpiredState ApprovalStatus = "expired"
	ApprovalPatched      ApprovalStatus = "patched"
)

// IsTerminal reports whether the approval can no longer accept responses.
func (s ApprovalStatus) IsTerminal() bool { return s != ApprovalPending }

// ExpiredBehavior controls what happens when a pending approval expires.
type ExpiredBehavior string

const (
	ExpiredDeny      ExpiredBehavior = "deny"
	ExpiredReRequest ExpiredBehavior = "re_request"
)

// Quorum requires a minimum number of distinct approvers before the
// request flips to approved. Duplicate approvals by the same approver
// are idempotent.
type Quorum struct {
	Required       int            `json:"required"`
	ApprovalHashes []QuorumEntry  `json:"approval_hashes,omitempty"`
}

// QuorumEntry is one approver's recorded approval.
type QuorumEntry struct {
	ApproverID string    `json:"approver_id"`
	Hash       string    `json:"hash"`
	ApprovedAt time.Time `json:"approved_at"`
}

// EvidenceBundle is the material an approver sees when deciding:
// the decision trace, the cartridge's context snapshot, and the
// identity spec snapshot at evaluation time.
type EvidenceBundle struct {
	DecisionTrace    *DecisionTrace `json:"decision_trace,omitempty"`
	ContextSnapshot  map[string]any `json:"context_snapshot,omitempty"`
	IdentitySnapshot *IdentitySpec  `json:"identity_snapshot,omitempty"`
}

// ApprovalRecord is a pending or decided human-approval request.
//
// Security properties:
//   - BindingHash commits to the exact envelope version, parameters,
//     decision trace, and context snapshot the approver saw. A response
//     whose hash differs is rejected; a late approval cannot apply to a
//     drifted proposal.
//   - Version enables optimistic concurrency: at most one terminal
//     transition wins a response race.
type ApprovalRecord struct {
	ID               string              `json:"id"`
	ActionID         string              `json:"action_id"`
	EnvelopeID       string              `json:"envelope_id"`
	EnvelopeVersion  int64               `json:"envelope_version"`
	Version          int64               `json:"version"`
	Summary          string              `json:"summary,omitempty"`
	RiskCategory     RiskCategory        `json:"risk_category"`
	Requirement      ApprovalRequirement `json:"requirement"`
	BindingHash      string              `json:"binding_hash"`
	Evidence         EvidenceBundle      `json:"evidence"`
	SuggestedButtons []string            `json:"suggested_buttons,omitempty"`
	Approvers        []string            `json:"approvers,omitempty"`
	FallbackApprover string              `json:"fallback_approver,omitempty"`
	Status           ApprovalStatus      `json:"status"`
	RespondedBy      string              `json:"responded_by,omitempty"`
	RespondedAt      *time.Time          `json:"responded_at,omitempty"`
	PatchValue       map[string]any      `json:"patch_value,omitempty"`
	ExpiresAt        time.Time           `json:"expires_at"`
	ExpiredBehavior  ExpiredBehavior     `json:"expired_behavior"`
	Quorum           *Quorum             `json:"quorum,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ApprovalAction is the verb of an approval response.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
	ActionPatch   ApprovalAction = "patch"
)
