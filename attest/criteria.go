// Package attest implements attestation grant semantics: approval criteria
// matching, grant validity, and expiry sweeping.
package attest

import "strings"

// Satisfies reports whether an approver identified by userName/roles meets an
// approval criteria expression. Criteria are comma-separated alternatives of
// "role:<name>", "user:<name>", or "*".
func Satisfies(criteria, userName string, roles []string) bool {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" || criteria == "*" {
		return true
	}

	for _, alt := range strings.Split(criteria, ",") {
		alt = strings.TrimSpace(alt)
		switch {
		case alt == "*":
			return true
		case strings.HasPrefix(alt, "role:"):
			want := strings.TrimPrefix(alt, "role:")
			for _, r := range roles {
				if r == want {
					return true
				}
			}
		case strings.HasPrefix(alt, "user:"):
			if userName == strings.TrimPrefix(alt, "user:") {
				return true
			}
		}
	}
	return false
}
