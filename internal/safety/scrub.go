// Package safety scrubs secrets out of text that leaves the process, such as
// failure context handed to a diagnosis model. Error strings and journal rows
// can echo whatever a remote API put in a response, so nothing outbound is
// trusted to be clean.
package safety

import "regexp"

// Finding records one scrubbed span. Sample keeps a short prefix of the match
// so logs can say what was removed without repeating it.
type Finding struct {
	Kind   string
	Sample string
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{
		re:   regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		kind: "bearer token",
	},
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|passphrase|password)"?\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{12,}"?`),
		kind: "credential assignment",
	},
	{
		// Telegram bot tokens: numeric bot id, colon, long key.
		re:   regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,}`),
		kind: "bot token",
	},
	{
		re:   regexp.MustCompile(`AGE-SECRET-KEY-1[A-Z0-9]{40,}`),
		kind: "age identity",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		kind: "google api key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+[A-Z ]*PRIVATE\s+KEY-----`),
		kind: "private key",
	},
}

// Scrub replaces secret-looking spans in s and reports what it removed.
func Scrub(s string) (string, []Finding) {
	if s == "" {
		return s, nil
	}
	var findings []Finding
	for _, pat := range secretPatterns {
		s = pat.re.ReplaceAllStringFunc(s, func(match string) string {
			sample := match
			if len(sample) > 12 {
				sample = sample[:12] + "..."
			}
			findings = append(findings, Finding{Kind: pat.kind, Sample: sample})
			return "[scrubbed " + pat.kind + "]"
		})
	}
	return s, findings
}
