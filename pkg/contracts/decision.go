package contracts

import "time"

// CheckCode identifies one governance check in a decision trace.
type CheckCode string

const (
	CheckForbiddenBehavior    CheckCode = "FORBIDDEN_BEHAVIOR"
	CheckTrustBehavior        CheckCode = "TRUST_BEHAVIOR"
	CheckRateLimit            CheckCode = "RATE_LIMIT"
	CheckCooldown             CheckCode = "COOLDOWN"
	CheckProtectedEntity      CheckCode = "PROTECTED_ENTITY"
	CheckSpendLimit           CheckCode = "SPEND_LIMIT"
	CheckPolicyRule           CheckCode = "POLICY_RULE"
	CheckRiskScoring          CheckCode = "RISK_SCORING"
	CheckResolverAmbiguity    CheckCode = "RESOLVER_AMBIGUITY"
	CheckCompetenceTrust      CheckCode = "COMPETENCE_TRUST"
	CheckCompetenceEscalation CheckCode = "COMPETENCE_ESCALATION"
	CheckCompositeRisk        CheckCode = "COMPOSITE_RISK"
	CheckDelegationChain      CheckCode = "DELEGATION_CHAIN"
	CheckSystemPosture        CheckCode = "SYSTEM_POSTURE"
)

// CheckEffect is the contribution of one check to the final decision.
type CheckEffect string

const (
	EffectAllow    CheckEffect = "allow"
	EffectDeny     CheckEffect = "deny"
	EffectModify   CheckEffect = "modify"
	EffectSkip     CheckEffect = "skip"
	EffectEscalate CheckEffect = "escalate"
)

// Decision is the final verdict over one proposal.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionModify Decision = "modify"
)

// ApprovalRequirement is the minimum human-approval level needed before
// execution. Requirements are ranked; arbitration takes the maximum rank.
type ApprovalRequirement string

const (
	ApprovalNone      ApprovalRequirement = "none"
	ApprovalStandard  ApprovalRequirement = "standard"
	ApprovalElevated  ApprovalRequirement = "elevated"
	ApprovalMandatory ApprovalRequirement = "mandatory"
)

var approvalRanks = map[ApprovalRequirement]int{
	ApprovalNone:      0,
	ApprovalStandard:  1,
	ApprovalElevated:  2,
	ApprovalMandatory: 3,
}

// Rank returns the ordinal rank of the requirement (none < standard <
// elevated < mandatory). Unknown values rank as none.
func (r ApprovalRequirement) Rank() int { return approvalRanks[r] }

// MaxRequirement returns the higher-ranked of a and b.
func MaxRequirement(a, b ApprovalRequirement) ApprovalRequirement {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RiskCategory buckets a numeric risk score.
type RiskCategory string

const (
	RiskNone     RiskCategory = "none"
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// RiskScore is the scored risk of one proposal: the clamped raw score,
// its category bucket, and the per-factor contributions that produced it.
type RiskScore struct {
	Raw      float64            `json:"raw"` // [0,100]
	Category RiskCategory       `json:"category"`
	Factors  map[string]float64 `json:"factors,omitempty"`
}

// DecisionCheck records the outcome of a single governance check.
type DecisionCheck struct {
	Code      CheckCode      `json:"code"`
	CheckData map[string]any `json:"check_data,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Matched   bool           `json:"matched"`
	Effect    CheckEffect    `json:"effect"`
}

// DecisionTrace is the ordered record of every check run over one
// proposal, plus the risk score and the final decision. Its content hash
// (canonical JSON → SHA-256) is part of the approval binding hash.
type DecisionTrace struct {
	ProposalIndex    int                 `json:"proposal_index"`
	Checks           []DecisionCheck     `json:"checks"`
	Risk             RiskScore           `json:"risk"`
	FinalDecision    Decision            `json:"final_decision"`
	ApprovalRequired ApprovalRequirement `json:"approval_required"`
	Explanation      string              `json:"explanation,omitempty"`
	EvaluatedAt      time.Time           `json:"evaluated_at"`
}
