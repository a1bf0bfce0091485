package policy

import (
	"strings"

	"github.com/wardenhq/warden/pkg/contracts"
)

// FactBag is the evaluation context for policy rules: a flat mapping of
// dotted paths for condition operators, plus the structured form CEL
// expressions evaluate against. Materialized once per evaluation.
type FactBag struct {
	flat map[string]any
	root map[string]any
}

// Facts materializes a FactBag for one proposal.
// Paths: actionType, parameters.x, metadata.y, principal.id,
// risk.category, risk.raw.
func Facts(actionType string, parameters, metadata map[string]any, principalID string, score contracts.RiskScore) FactBag {
	flat := map[string]any{
		"actionType":    actionType,
		"principal.id":  principalID,
		"risk.category": string(score.Category),
		"risk.raw":      score.Raw,
	}
	flatten(flat, "parameters", parameters)
	flatten(flat, "metadata", metadata)

	root := map[string]any{
		"actionType": actionType,
		"parameters": orEmpty(parameters),
		"metadata":   orEmpty(metadata),
		"principal":  map[string]any{"id": principalID},
		"risk":       map[string]any{"category": string(score.Category), "raw": score.Raw},
	}
	return FactBag{flat: flat, root: root}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func flatten(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		path := prefix + "." + k
		out[path] = v
		if nested, ok := v.(map[string]any); ok {
			flatten(out, path, nested)
		}
	}
}

// Get looks up a dotted path. The second return is false when the path
// is absent.
func (b FactBag) Get(path string) (any, bool) {
	v, ok := b.flat[path]
	return v, ok
}

// Activation returns the structured facts for CEL evaluation.
func (b FactBag) Activation() map[string]any { return b.root }

// PathKnown reports whether a path belongs to a recognized namespace,
// used by validation to reject typo'd policy fields early.
func PathKnown(path string) bool {
	if path == "actionType" || path == "principal.id" ||
		path == "risk.category" || path == "risk.raw" {
		return true
	}
	return strings.HasPrefix(path, "parameters.") || strings.HasPrefix(path, "metadata.")
}
