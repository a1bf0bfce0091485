// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of governance
// contracts.
//
// Hash stability across runtimes is a correctness property: the binding
// hash, decision trace hash, and audit entry hash must be bit-identical
// for the same logical content regardless of map iteration order or
// locale.
package canonicalize

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags apply), then
// transformed: keys sorted by UTF-16 code units, minimal numeric form,
// canonical escapes, no insignificant whitespace.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 digest of the canonical JSON form of
// v, prefixed with "sha256:".
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes as a "sha256:"-prefixed
// hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two hash strings in constant time.
// Use this for any attacker-supplied hash (binding hashes, evidence
// hashes) to avoid timing side channels.
func ConstantTimeEqual(a, b string) bool {
	// subtle.ConstantTimeCompare is only constant-time for equal lengths;
	// length is not secret here.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
