package ledger

import (
	"sort"
	"strings"

	"github.com/wardenhq/warden/pkg/contracts"
)

// Credential-bearing key fragments. Matching is case-insensitive and
// ignores underscores and hyphens, so "access_token", "AccessToken" and
// "api-key" all hit.
var credentialFragments = []string{
	"accesstoken",
	"apikey",
	"apisecret",
	"secretkey",
	"password",
	"token",
}

// The exact byte form is load-bearing: hashes are computed over the
// redacted snapshot, so every runtime must emit the same placeholder.
const redactedPlaceholder = "[redacted]"

// Redact returns a copy of snapshot with credential-shaped values
// replaced, plus the sorted dotted paths of every replaced field.
// Redaction runs BEFORE hashing: the ledger must never commit a hash
// over plaintext credentials, or redacting later would break the chain.
//
// Rules:
//   - any key containing a credential fragment is replaced
//   - everything under a "connectionCredentials" key is replaced
//   - "_principalId" is replaced when the entry is org-visible
func Redact(snapshot map[string]any, visibility contracts.VisibilityLevel) (map[string]any, []string) {
	if snapshot == nil {
		return nil, nil
	}
	var paths []string
	out := redactMap(snapshot, "", visibility, &paths)
	sort.Strings(paths)
	return out, paths
}

func redactMap(in map[string]any, prefix string, vis contracts.VisibilityLevel, paths *[]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch {
		case isCredentialKey(k), k == "connectionCredentials",
			k == "_principalId" && vis == contracts.VisibilityOrg:
			out[k] = redactedPlaceholder
			*paths = append(*paths, path)
		default:
			out[k] = redactValue(v, path, vis, paths)
		}
	}
	return out
}

func redactValue(v any, path string, vis contracts.VisibilityLevel, paths *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, path, vis, paths)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, path, vis, paths)
		}
		return out
	default:
		return v
	}
}

func isCredentialKey(key string) bool {
	norm := strings.ToLower(key)
	norm = strings.ReplaceAll(norm, "_", "")
	norm = strings.ReplaceAll(norm, "-", "")
	for _, frag := range credentialFragments {
		if strings.Contains(norm, frag) {
			return true
		}
	}
	return false
}
