package helpers

import "strings"

// MaskAuthorization redacts the credentials of an Authorization header value
// while keeping the scheme, e.g. "Bearer [REDACTED]".
func MaskAuthorization(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, _, found := strings.Cut(value, " ")
	if !found {
		return "[REDACTED]"
	}
	return scheme + " [REDACTED]"
}
