package api

import (
	"regexp"
	"strings"
)

// Patterns that would leak infrastructure detail to API clients.
var (
	connURLPattern = regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|redis|rediss|amqp|mongodb)://[^\s"']+`)
	ipv4Pattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)
	framePattern   = regexp.MustCompile(`(?m)^\s*(?:goroutine \d+.*|.*\.go:\d+.*)$`)
	sqlPattern     = regexp.MustCompile(`(?i)\b(?:SELECT\s+.+\s+FROM|INSERT\s+INTO|UPDATE\s+\w+\s+SET|DELETE\s+FROM|CREATE\s+TABLE|DROP\s+TABLE)\b`)
)

// Sanitize strips connection strings, addresses, SQL fragments and
// stack frames from a message before it leaves the API.
func Sanitize(msg string) string {
	msg = connURLPattern.ReplaceAllString(msg, "[redacted]")
	msg = ipv4Pattern.ReplaceAllString(msg, "[redacted]")
	msg = framePattern.ReplaceAllString(msg, "[redacted]")
	if sqlPattern.MatchString(msg) {
		return "a storage operation failed"
	}
	return strings.TrimSpace(msg)
}
