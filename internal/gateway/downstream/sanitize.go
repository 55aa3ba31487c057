package downstream

import "regexp"

// injectionSignature matches common script/markup injection patterns in
// free-text client fields. Detected occurrences are logged; the
// sanitized (stripped) payload is passed onward rather than rejected,
// per spec §4.7 step 2.
var injectionSignature = regexp.MustCompile(`(?i)<script|javascript:|on\w+\s*=|\$\{.*\}`)

// Sanitize strips detected injection signatures from a client-supplied
// string field. Audio payloads must never be passed to this function —
// they are opaque encoded binary and exempt from sanitization.
func Sanitize(s string) (sanitized string, flagged bool) {
	if injectionSignature.MatchString(s) {
		return injectionSignature.ReplaceAllString(s, ""), true
	}
	return s, false
}
