package contracts

import "context"

// Reversibility describes how completely an action can be undone.
type Reversibility string

const (
	ReversibilityFull    Reversibility = "full"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityNone    Reversibility = "none"
)

// RiskInput is the cartridge's raw risk assessment of one proposal,
// before scoring.
type RiskInput struct {
	BaseRisk         RiskCategory  `json:"base_risk"`
	DollarsAtRisk    float64       `json:"dollars_at_risk,omitempty"`
	BlastRadius      int           `json:"blast_radius,omitempty"` // entities affected
	Reversibility    Reversibility `json:"reversibility"`
	EntityVolatile   bool          `json:"entity_volatile,omitempty"`
	LearningPhase    bool          `json:"learning_phase,omitempty"`
	RecentlyModified bool          `json:"recently_modified,omitempty"`
}

// RateLimitSpec caps actions per sliding window for a scope.
type RateLimitSpec struct {
	Scope      string `json:"scope"`
	ActionType string `json:"action_type,omitempty"` // empty = all actions
	MaxActions int    `json:"max_actions"`
	WindowMs   int64  `json:"window_ms"`
}

// CooldownSpec enforces a minimum gap between actions of one type.
type CooldownSpec struct {
	ActionType string `json:"action_type"`
	Scope      string `json:"scope"`
	CooldownMs int64  `json:"cooldown_ms"`
}

// GuardrailSpec is the cartridge's declared guardrail configuration.
type GuardrailSpec struct {
	RateLimits        []RateLimitSpec `json:"rate_limits,omitempty"`
	Cooldowns         []CooldownSpec  `json:"cooldowns,omitempty"`
	ProtectedEntities []string        `json:"protected_entities,omitempty"`
}

// ExecutionContext is passed to cartridge.Execute alongside the
// effective parameters.
type ExecutionContext struct {
	EnvelopeID     string         `json:"envelope_id"`
	PrincipalID    string         `json:"principal_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Cartridge is a pluggable module that knows how to enrich, risk-score,
// and execute a family of actions against one external system. The
// runtime dispatches by interface; optional capabilities are separate
// interfaces detected by type assertion.
type Cartridge interface {
	// ID returns the cartridge identifier, e.g. "ads".
	ID() string

	// ContractVersion returns the semver of the cartridge contract the
	// implementation was built against. The registry gates on a
	// compatible range.
	ContractVersion() string

	// Initialize prepares the cartridge (connection pools, credentials).
	Initialize(ctx context.Context, config map[string]any) error

	// EnrichContext merges cartridge metadata onto the parameters under
	// "_context" without overwriting caller keys.
	EnrichContext(ctx context.Context, actionType string, params map[string]any) (map[string]any, error)

	// Execute performs the side effect. A non-nil UndoRecipe makes the
	// action reversible through the undo pipeline.
	Execute(ctx context.Context, actionType string, params map[string]any, ec ExecutionContext) (*ExecutionResult, *UndoRecipe, error)

	// GetRiskInput returns the cartridge's risk assessment of a proposal.
	GetRiskInput(ctx context.Context, actionType string, params map[string]any) (*RiskInput, error)

	// GetGuardrails returns the cartridge's guardrail configuration.
	GetGuardrails(ctx context.Context) (*GuardrailSpec, error)

	// HealthCheck reports whether the external system is reachable.
	HealthCheck(ctx context.Context) error
}

// EntityResolver is the optional entity-resolution capability.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, ref string) (*ResolvedEntity, error)
}

// SnapshotProvider is the optional pre-approval snapshot capability.
type SnapshotProvider interface {
	CaptureSnapshot(ctx context.Context, actionType string, params map[string]any) (map[string]any, error)
}
