package policy

import (
	"regexp"
	"strings"

	"github.com/wardenhq/warden/pkg/contracts"
)

// evalRule evaluates a rule tree against a fact bag. Composition:
// AND (default) = all conditions and children hold; OR = any holds;
// NOT = the AND of its branches inverted.
func (e *Engine) evalRule(rule contracts.PolicyRule, bag FactBag) bool {
	results := make([]bool, 0, len(rule.Conditions)+len(rule.Children))
	for _, c := range rule.Conditions {
		results = append(results, e.evalCondition(c, bag))
	}
	for _, child := range rule.Children {
		results = append(results, e.evalRule(child, bag))
	}

	switch rule.Composition {
	case contracts.ComposeAny:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	case contracts.ComposeNot:
		return !all(results)
	default: // AND
		return all(results)
	}
}

func all(results []bool) bool {
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(c contracts.Condition, bag FactBag) bool {
	if c.Operator == contracts.OpCEL {
		expr, ok := c.Value.(string)
		if !ok {
			return false
		}
		match, err := e.cel.eval(expr, bag)
		if err != nil {
			e.log.Warn("cel condition failed closed", "expr", expr, "error", err)
			return false
		}
		return match
	}

	fact, exists := bag.Get(c.Field)
	switch c.Operator {
	case contracts.OpExists:
		return exists && fact != nil
	case contracts.OpNotExists:
		return !exists || fact == nil
	}
	if !exists {
		return false
	}

	switch c.Operator {
	case contracts.OpEq:
		return looseEqual(fact, c.Value)
	case contracts.OpNeq:
		return !looseEqual(fact, c.Value)
	case contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte:
		return compareOrdered(fact, c.Value, c.Operator)
	case contracts.OpIn:
		return memberOf(fact, c.Value)
	case contracts.OpNotIn:
		return !memberOf(fact, c.Value)
	case contracts.OpContains:
		return contains(fact, c.Value)
	case contracts.OpNotContains:
		return !contains(fact, c.Value)
	case contracts.OpMatches:
		return matches(fact, c.Value)
	default:
		return false
	}
}

// looseEqual compares across JSON numeric types: a policy written with
// value 5000 must match a parameter decoded as float64(5000).
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func compareOrdered(fact, value any, op contracts.ConditionOperator) bool {
	if ff, fok := toFloat(fact); fok {
		vf, vok := toFloat(value)
		if !vok {
			return false
		}
		switch op {
		case contracts.OpGt:
			return ff > vf
		case contracts.OpGte:
			return ff >= vf
		case contracts.OpLt:
			return ff < vf
		case contracts.OpLte:
			return ff <= vf
		}
	}
	fs, fok := fact.(string)
	vs, vok := value.(string)
	if !fok || !vok {
		return false
	}
	switch op {
	case contracts.OpGt:
		return fs > vs
	case contracts.OpGte:
		return fs >= vs
	case contracts.OpLt:
		return fs < vs
	case contracts.OpLte:
		return fs <= vs
	}
	return false
}

func memberOf(fact, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if looseEqual(fact, v) {
			return true
		}
	}
	return false
}

func contains(fact, value any) bool {
	switch t := fact.(type) {
	case string:
		s, ok := value.(string)
		return ok && strings.Contains(t, s)
	case []any:
		for _, v := range t {
			if looseEqual(v, value) {
				return true
			}
		}
	}
	return false
}

func matches(fact, value any) bool {
	fs, fok := fact.(string)
	pattern, pok := value.(string)
	if !fok || !pok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(fs)
}
