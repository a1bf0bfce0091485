package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/contracts"
)

// bundle is the on-disk policy file shape.
type bundle struct {
	Policies []map[string]any `yaml:"policies"`
}

// LoadFile reads a YAML policy bundle. Each document is converted
// through JSON so the same field names work in files and the API.
func LoadFile(path string) ([]*contracts.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseBundle(raw)
}

// ParseBundle decodes a YAML policy bundle.
func ParseBundle(raw []byte) ([]*contracts.Policy, error) {
	var b bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse policy bundle: %w", err)
	}
	if len(b.Policies) == 0 {
		return nil, fmt.Errorf("policy bundle has no policies")
	}

	now := time.Now().UTC()
	out := make([]*contracts.Policy, 0, len(b.Policies))
	seen := make(map[string]bool, len(b.Policies))
	for i, doc := range b.Policies {
		buf, err := json.Marshal(normalize(doc))
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		var p contracts.Policy
		if err := json.Unmarshal(buf, &p); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("policy %d: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("policy %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Effect {
		case contracts.PolicyAllow, contracts.PolicyDeny, contracts.PolicyModify, contracts.PolicyRequireApproval:
		default:
			return nil, fmt.Errorf("policy %s: unknown effect %q", p.ID, p.Effect)
		}
		p.CreatedAt = now
		p.UpdatedAt = now
		out = append(out, &p)
	}
	return out, nil
}

// normalize rewrites YAML's map[any]any nodes into map[string]any so
// the documents survive the JSON round trip.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
