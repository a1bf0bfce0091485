package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
)

const sampleBundle = `
policies:
  - id: pol-cap-spend
    name: Cap large spends
    priority: 10
    active: true
    effect: require_approval
    approval_requirement: elevated
    rule:
      conditions:
        - field: parameters.amount
          operator: gt
          value: 1000
  - id: pol-block-deletes
    priority: 5
    active: true
    effect: deny
    rule:
      conditions:
        - field: action_type
          operator: matches
          value: ".*\\.delete"
`

func TestParseBundle(t *testing.T) {
	policies, err := ParseBundle([]byte(sampleBundle))
	require.NoError(t, err)
	require.Len(t, policies, 2)

	assert.Equal(t, "pol-cap-spend", policies[0].ID)
	assert.Equal(t, contracts.PolicyRequireApproval, policies[0].Effect)
	require.NotNil(t, policies[0].ApprovalRequirement)
	assert.Equal(t, contracts.ApprovalElevated, *policies[0].ApprovalRequirement)
	require.Len(t, policies[0].Rule.Conditions, 1)
	assert.Equal(t, "parameters.amount", policies[0].Rule.Conditions[0].Field)

	assert.Equal(t, contracts.PolicyDeny, policies[1].Effect)
	assert.False(t, policies[0].CreatedAt.IsZero())
}

func TestParseBundleRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", "policies: []"},
		{"missing id", "policies:\n  - effect: deny"},
		{"unknown effect", "policies:\n  - id: p1\n    effect: explode"},
		{"duplicate id", "policies:\n  - id: p1\n    effect: deny\n  - id: p1\n    effect: allow"},
		{"not yaml", ":\n:::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBundle([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleBundle), 0o600))

	policies, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
