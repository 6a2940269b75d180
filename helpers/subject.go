package helpers

import "strings"

// BaseSubject reduces a subject to the form used for matching: reply and
// forward prefixes are removed repeatedly (RFC 5256 base subject), invalid
// UTF-8 is dropped and the result is upper-cased.
//
// Handles: Re:, Re[2]:, Re(3):, Fw:, Fwd:, Forward:, in any case.
func BaseSubject(subject string) string {
	normalized := strings.ToUpper(SanitizeUTF8(subject))

	for {
		next := removeForwardPrefix(removeReplyPrefix(strings.TrimSpace(normalized)))
		if next == normalized {
			return next
		}
		normalized = next
	}
}

var (
	forwardPrefixes = []string{"FWD:", "FW:", "FORWARD:"}
	counterClose    = map[byte]byte{'[': ']', '(': ')'}
)

// removeReplyPrefix strips "RE:", "RE[2]:" or "RE(2):".
func removeReplyPrefix(s string) string {
	if !strings.HasPrefix(s, "RE") || len(s) < 3 {
		return s
	}
	rest := s[2:]
	if closer, ok := counterClose[rest[0]]; ok {
		end := strings.IndexByte(rest, closer)
		if end < 0 {
			return s
		}
		rest = rest[end+1:]
	}
	if !strings.HasPrefix(rest, ":") {
		return s
	}
	return strings.TrimSpace(rest[1:])
}

func removeForwardPrefix(s string) string {
	for _, prefix := range forwardPrefixes {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return s
}
