// Package redact masks caller PII before it reaches logs. It is off until
// SetEnabled(true); the service turns it on from privacy.redact_pii.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
)

var enabled atomic.Bool

// Digit classes include Arabic-Indic (U+0660..0669) and Eastern Arabic-Indic
// (U+06F0..06F9) numerals, which STT emits for Arabic speech.
const digit = `[0-9\x{0660}-\x{0669}\x{06F0}-\x{06F9}]`

var rules = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`(?i)\bSA\d{2}[0-9A-Z]{20}\b`), "[REDACTED_IBAN]"},
	{regexp.MustCompile(`\+?` + digit + `(?:[\s\-]?` + digit + `){7,}`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, IBANs and digit runs long enough to be phone or ID
// numbers.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}

// Number masks a caller id down to its last four digits.
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	runes := []rune(strings.TrimSpace(in))
	keep := 0
	for i := len(runes) - 1; i >= 0 && keep < 4; i-- {
		if unicode.IsDigit(runes[i]) {
			keep++
			continue
		}
		break
	}
	var b strings.Builder
	for i, r := range runes {
		if i >= len(runes)-keep {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('*')
	}
	return b.String()
}
