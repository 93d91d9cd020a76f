package thread

import "strings"

// replyPrefixes are the reply/forward markers stripped during subject
// normalization, covering the common English, German, Danish and Swedish
// client conventions.
var replyPrefixes = []string{"re:", "r:", "fwd:", "fw:", "aw:", "wg:", "vs:", "sv:"}

// NormalizeSubject lowercases a subject, repeatedly strips leading
// reply/forward prefixes, and collapses internal whitespace. Two emails
// in the same conversation normalize to the same string.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := false
		for _, prefix := range replyPrefixes {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
