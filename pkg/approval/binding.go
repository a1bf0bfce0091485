package approval

import (
	"fmt"

	"github.com/wardenhq/warden/pkg/canonicalize"
	"github.com/wardenhq/warden/pkg/contracts"
)

// bindingTuple is the field set the binding hash commits to. Inner
// objects enter as their own canonical hashes so the outer tuple stays
// small and stable.
type bindingTuple struct {
	EnvelopeID          string         `json:"envelopeId"`
	EnvelopeVersion     int64          `json:"envelopeVersion"`
	ActionID            string         `json:"actionId"`
	Parameters          map[string]any `json:"parameters"`
	DecisionTraceHash   string         `json:"decisionTraceHash"`
	ContextSnapshotHash string         `json:"contextSnapshotHash"`
}

// BindingHash commits an approval to the exact envelope version,
// parameters, decision trace and context snapshot the approver will
// see. Any drift in those inputs changes the hash and invalidates a
// late response.
func BindingHash(envelopeID string, envelopeVersion int64, actionID string, parameters map[string]any, trace *contracts.DecisionTrace, contextSnapshot map[string]any) (string, error) {
	traceHash, err := canonicalize.CanonicalHash(trace)
	if err != nil {
		return "", fmt.Errorf("hash decision trace: %w", err)
	}
	snapHash, err := canonicalize.CanonicalHash(contextSnapshot)
	if err != nil {
		return "", fmt.Errorf("hash context snapshot: %w", err)
	}
	hash, err := canonicalize.CanonicalHash(bindingTuple{
		EnvelopeID:          envelopeID,
		EnvelopeVersion:     envelopeVersion,
		ActionID:            actionID,
		Parameters:          parameters,
		DecisionTraceHash:   traceHash,
		ContextSnapshotHash: snapHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash binding tuple: %w", err)
	}
	return hash, nil
}
