package logger

import "strings"

// redactedCredential replaces credential-class values wholesale; there is
// no safe partial form of a relay password.
const redactedCredential = "[redacted]"

// RedactEmail returns a form of an address that is safe to log. The local
// part keeps at most its first two characters ("john.doe@example.com"
// becomes "jo***@example.com"); shorter local parts are masked entirely, and
// anything that does not look like an address collapses to "***@***".
func RedactEmail(addr string) string {
	local, host, ok := strings.Cut(addr, "@")
	if !ok || strings.Contains(host, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + host
	}
	return local[:2] + "***@" + host
}
