package policy

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Rules run in order: ID numbers before mobiles before cards, so a number is
// masked by its most specific rule.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`(?:\+?86[ -]?|\b)1[3-9]\d[ -]?\d{4}[ -]?\d{4}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, resident ID numbers, card numbers and phone
// numbers. changed reports whether anything was masked.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactionRules {
		next := r.pattern.ReplaceAllString(out, r.placeholder)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
