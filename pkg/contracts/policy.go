package contracts

import "time"

// PolicyEffect is what a matching policy does to the decision.
type PolicyEffect string

const (
	PolicyAllow           PolicyEffect = "allow"
	PolicyDeny            PolicyEffect = "deny"
	PolicyModify          PolicyEffect = "modify"
	PolicyRequireApproval PolicyEffect = "require_approval"
)

// ConditionOperator compares a fact-bag field with a literal value.
type ConditionOperator string

const (
	OpEq          ConditionOperator = "eq"
	OpNeq         ConditionOperator = "neq"
	OpGt          ConditionOperator = "gt"
	OpGte         ConditionOperator = "gte"
	OpLt          ConditionOperator = "lt"
	OpLte         ConditionOperator = "lte"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpMatches     ConditionOperator = "matches"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
	// OpCEL evaluates Value as a CEL expression over the fact bag.
	// Compile or evaluation errors fail the condition closed.
	OpCEL ConditionOperator = "cel"
)

// RuleComposition combines child rules and conditions.
type RuleComposition string

const (
	ComposeAll RuleComposition = "AND"
	ComposeAny RuleComposition = "OR"
	ComposeNot RuleComposition = "NOT"
)

// Condition is a leaf comparison against a dotted fact path
// (actionType, parameters.x, metadata.y, principal.id, risk.category).
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// PolicyRule is a recursive composition of conditions. A rule matches
// when its composition over its conditions and children holds:
// AND = all match, OR = any match, NOT = inversion of its single branch.
type PolicyRule struct {
	Composition RuleComposition `json:"composition,omitempty"` // default AND
	Conditions  []Condition     `json:"conditions,omitempty"`
	Children    []PolicyRule    `json:"children,omitempty"`
}

// Policy is one declarative governance rule. Policies evaluate in
// ascending priority; the first match applies, except that a deny at the
// same priority wins the tie.
type Policy struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name,omitempty"`
	Priority             int                  `json:"priority"`
	Active               bool                 `json:"active"`
	OrganizationID       string               `json:"organization_id,omitempty"` // empty = global
	CartridgeID          string               `json:"cartridge_id,omitempty"`    // empty = global
	Rule                 PolicyRule           `json:"rule"`
	Effect               PolicyEffect         `json:"effect"`
	EffectParams         map[string]any       `json:"effect_params,omitempty"`
	ApprovalRequirement  *ApprovalRequirement `json:"approval_requirement,omitempty"`
	RiskCategoryOverride *RiskCategory        `json:"risk_category_override,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// AppliesTo reports whether the policy is in scope for an org/cartridge
// pair. Empty policy fields are global.
func (p *Policy) AppliesTo(organizationID, cartridgeID string) bool {
	if p.OrganizationID != "" && p.OrganizationID != organizationID {
		return false
	}
	if p.CartridgeID != "" && p.CartridgeID != cartridgeID {
		return false
	}
	return true
}
