package contracts

import "time"

// AuditEventType is the closed enum of auditable events.
type AuditEventType string

const (
	EventActionProposed      AuditEventType = "action.proposed"
	EventActionResolved      AuditEventType = "action.resolved"
	EventActionEnriched      AuditEventType = "action.enriched"
	EventActionEvaluated     AuditEventType = "action.evaluated"
	EventActionApproved      AuditEventType = "action.approved"
	EventActionRejected      AuditEventType = "action.rejected"
	EventActionPatched       AuditEventType = "action.patched"
	EventActionQueued        AuditEventType = "action.queued"
	EventActionExecuting     AuditEventType = "action.executing"
	EventActionExecuted      AuditEventType = "action.executed"
	EventActionFailed        AuditEventType = "action.failed"
	EventActionDenied        AuditEventType = "action.denied"
	EventActionExpired       AuditEventType = "action.expired"
	EventActionCancelled     AuditEventType = "action.cancelled"
	EventUndoRequested       AuditEventType = "action.undo_requested"
	EventUndoExecuted        AuditEventType = "action.undo_executed"
	EventApprovalExpired     AuditEventType = "action.approval_expired"
	EventIdentityCreated     AuditEventType = "identity.created"
	EventIdentityUpdated     AuditEventType = "identity.updated"
	EventOverlayActivated    AuditEventType = "overlay.activated"
	EventOverlayDeactivated  AuditEventType = "overlay.deactivated"
	EventPolicyCreated       AuditEventType = "policy.created"
	EventPolicyUpdated       AuditEventType = "policy.updated"
	EventPolicyDeleted       AuditEventType = "policy.deleted"
	EventConnEstablished     AuditEventType = "connection.established"
	EventConnRevoked         AuditEventType = "connection.revoked"
	EventConnDegraded        AuditEventType = "connection.degraded"
	EventCompetencePromoted  AuditEventType = "competence.promoted"
	EventCompetenceDemoted   AuditEventType = "competence.demoted"
	EventCompetenceUpdated   AuditEventType = "competence.updated"
	EventDelegationResolved  AuditEventType = "delegation.chain_resolved"
)

// VisibilityLevel scopes who may read an audit entry.
type VisibilityLevel string

const (
	VisibilityPublic VisibilityLevel = "public"
	VisibilityOrg    VisibilityLevel = "org"
	VisibilityAdmin  VisibilityLevel = "admin"
	VisibilitySystem VisibilityLevel = "system"
)

// ActorType classifies who caused an event.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// EvidencePointer references externalized evidence content, addressed by
// the SHA-256 of its canonical bytes.
type EvidencePointer struct {
	Type       string `json:"type"` // "inline" or "pointer"
	Hash       string `json:"hash"`
	StorageRef string `json:"storage_ref,omitempty"`
	Inline     any    `json:"inline,omitempty"`
}

// AuditEntry is one immutable, hash-chained event record.
//
// The chain contract: EntryHash = SHA-256 over the canonical JSON of the
// deterministic field subset, which includes PreviousEntryHash. Modifying
// any prior entry therefore breaks every subsequent entry.
type AuditEntry struct {
	ID               string            `json:"id"`
	EventType        AuditEventType    `json:"event_type"`
	Timestamp        time.Time         `json:"timestamp"`
	ActorType        ActorType         `json:"actor_type"`
	ActorID          string            `json:"actor_id"`
	EntityType       string            `json:"entity_type,omitempty"`
	EntityID         string            `json:"entity_id,omitempty"`
	RiskCategory     RiskCategory      `json:"risk_category,omitempty"`
	Visibility       VisibilityLevel   `json:"visibility"`
	Summary          string            `json:"summary,omitempty"`
	Snapshot         map[string]any    `json:"snapshot,omitempty"`
	EvidencePointers []EvidencePointer `json:"evidence_pointers,omitempty"`
	RedactionApplied bool              `json:"redaction_applied"`
	RedactedFields   []string          `json:"redacted_fields,omitempty"`
	SchemaVersion    string            `json:"schema_version"`
	ChainHashVersion string            `json:"chain_hash_version"`
	EntryHash        string            `json:"entry_hash"`
	PreviousEntryHash string           `json:"previous_entry_hash"`
	EnvelopeID       string            `json:"envelope_id,omitempty"`
	OrganizationID   string            `json:"organization_id,omitempty"`
}
