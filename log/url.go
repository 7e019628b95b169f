package log

import "net/url"

// RedactURL strips credentials from a storage URL so it can be logged safely.
// Unparseable input is fully redacted rather than leaked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}
