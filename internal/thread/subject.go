package thread

import (
	"regexp"
	"strings"
)

// replyPrefix matches one leading reply or forward marker such as "Re:",
// "RE[2]:", "Fwd:" or "Fw :"
var replyPrefix = regexp.MustCompile(`(?i)^(re|fwd?)\s*(\[\d+\])?\s*:`)

// NormalizeSubject strips reply and forward prefixes until none is left
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
		if stripped == s {
			return s
		}
		s = stripped
	}
}

// subjectKey is the case-insensitive form used to match subjects
func subjectKey(subject string) string {
	return strings.ToLower(NormalizeSubject(subject))
}
