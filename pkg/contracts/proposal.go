package contracts

// Proposal is one concrete side-effecting action an agent wants to take.
// Immutable once the envelope reaches proposed.
type Proposal struct {
	ActionType           string         `json:"action_type"` // dotted, e.g. "ads.budget.adjust"
	Parameters           map[string]any `json:"parameters"`
	Evidence             string         `json:"evidence,omitempty"`
	Confidence           float64        `json:"confidence"` // [0,1]
	OriginatingMessageID string         `json:"originating_message_id,omitempty"`
	InterpreterName      string         `json:"interpreter_name,omitempty"`
}

// ResolutionStatus is the outcome of resolving one entity reference.
type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	ResolutionNotFound  ResolutionStatus = "not_found"
)

// ResolvedEntity is the tagged result of resolving an entity reference.
// Exactly one of Entity or Alternatives is populated depending on Status;
// InputRef always carries the caller's original reference.
type ResolvedEntity struct {
	InputRef     string           `json:"input_ref"`
	Status       ResolutionStatus `json:"status"`
	Entity       *EntityRef       `json:"entity,omitempty"`
	Alternatives []EntityRef      `json:"alternatives,omitempty"`
}

// EntityRef identifies one external-system entity.
type EntityRef struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"` // e.g. "campaign", "account"
	DisplayName string `json:"display_name,omitempty"`
	Protected   bool   `json:"protected,omitempty"`
}
