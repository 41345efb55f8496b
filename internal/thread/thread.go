// Package thread correlates messages into conversations through a token
// embedded in the subject line as "[RFQ:<token>]".
//
// Tokens are embedded verbatim. A token containing "]" produces a marker
// that Extract cannot recover exactly; callers own token hygiene.
package thread

import "strings"

const (
	markerPrefix = "[RFQ:"
	markerSuffix = "]"
)

// Marker returns the literal subject marker for token.
func Marker(token string) string {
	return markerPrefix + token + markerSuffix
}

// Predicate returns the subject substring a mailbox search must match to
// select messages of the thread. It is byte-identical to Marker so tagging
// and filtering can never drift apart.
func Predicate(token string) string {
	return Marker(token)
}

// Tag appends the marker for token to subject, separated by a single
// space, unless the marker is already present. An empty token leaves the
// subject unchanged.
func Tag(subject, token string) string {
	if token == "" {
		return subject
	}
	marker := Marker(token)
	if strings.Contains(subject, marker) {
		return subject
	}
	return subject + " " + marker
}

// Extract returns the token of the first marker found in subject.
func Extract(subject string) (string, bool) {
	start := strings.Index(subject, markerPrefix)
	if start < 0 {
		return "", false
	}
	rest := subject[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
