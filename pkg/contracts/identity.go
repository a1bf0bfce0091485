package contracts

// GovernanceProfile is the top-level posture of a principal.
type GovernanceProfile string

const (
	ProfileObserve GovernanceProfile = "observe"
	ProfileGuarded GovernanceProfile = "guarded"
	ProfileStrict  GovernanceProfile = "strict"
	ProfileLocked  GovernanceProfile = "locked"
)

// SystemPosture is the runtime risk posture derived from the profile.
type SystemPosture string

const (
	PostureNormal   SystemPosture = "normal"
	PostureElevated SystemPosture = "elevated"
	PostureCritical SystemPosture = "critical"
)

// Posture maps a governance profile to the system posture:
// observe/guarded → normal, strict → elevated, locked → critical.
func (p GovernanceProfile) Posture() SystemPosture {
	switch p {
	case ProfileStrict:
		return PostureElevated
	case ProfileLocked:
		return PostureCritical
	default:
		return PostureNormal
	}
}

// SpendLimits are per-window dollar caps. A nil value means no limit for
// that window.
type SpendLimits struct {
	Daily     *float64 `json:"daily,omitempty"`
	Weekly    *float64 `json:"weekly,omitempty"`
	Monthly   *float64 `json:"monthly,omitempty"`
	PerAction *float64 `json:"per_action,omitempty"`
}

// CompetenceRecord tracks per-actionType success/failure for one
// principal; the score adjusts the approval requirement one rank up or
// down within the bounds of the identity's risk tolerance.
type CompetenceRecord struct {
	ActionType string  `json:"action_type"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	Score      float64 `json:"score"` // [-1,1]; positive earns trust
}

// IdentitySpec is the per-principal governance configuration.
type IdentitySpec struct {
	PrincipalID        string                               `json:"principal_id"`
	OrganizationID     string                               `json:"organization_id,omitempty"`
	RiskTolerance      map[RiskCategory]ApprovalRequirement `json:"risk_tolerance"`
	SpendLimits        *SpendLimits                         `json:"spend_limits,omitempty"`
	CartridgeSpend     map[string]*SpendLimits              `json:"cartridge_spend,omitempty"`
	ForbiddenBehaviors []string                             `json:"forbidden_behaviors,omitempty"`
	TrustBehaviors     []string                             `json:"trust_behaviors,omitempty"`
	Profile            GovernanceProfile                    `json:"governance_profile"`
	DelegatedApprovers []string                             `json:"delegated_approvers,omitempty"`
	Competence         []CompetenceRecord                   `json:"competence,omitempty"`
	ActingFor          string                               `json:"acting_for,omitempty"`
}

// ToleranceFor returns the approval requirement the identity demands for
// a risk category. Absent categories default by severity: none/low map
// to none, medium to standard, high to elevated, critical to mandatory.
func (s *IdentitySpec) ToleranceFor(cat RiskCategory) ApprovalRequirement {
	if s != nil && s.RiskTolerance != nil {
		if req, ok := s.RiskTolerance[cat]; ok {
			return req
		}
	}
	switch cat {
	case RiskMedium:
		return ApprovalStandard
	case RiskHigh:
		return ApprovalElevated
	case RiskCritical:
		return ApprovalMandatory
	default:
		return ApprovalNone
	}
}

// HasForbidden reports whether actionType is forbidden for the identity.
func (s *IdentitySpec) HasForbidden(actionType string) bool {
	return containsString(s.ForbiddenBehaviors, actionType)
}

// HasTrust reports whether actionType is a trust behavior.
func (s *IdentitySpec) HasTrust(actionType string) bool {
	return containsString(s.TrustBehaviors, actionType)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
