package turn

import "strings"

// ReplyLimiter keeps spoken replies short. Zero fields disable that limit.
type ReplyLimiter struct {
	MaxChars     int
	MaxSentences int
}

// NewReplyLimiter returns nil when both limits are off.
func NewReplyLimiter(maxChars, maxSentences int) *ReplyLimiter {
	if maxChars <= 0 && maxSentences <= 0 {
		return nil
	}
	return &ReplyLimiter{MaxChars: maxChars, MaxSentences: maxSentences}
}

// Apply returns text cut to the configured limits and whether it was cut.
func (l *ReplyLimiter) Apply(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if l == nil || text == "" {
		return text, false
	}
	out := truncateSentences(text, l.MaxSentences)
	if l.MaxChars > 0 {
		if r := []rune(out); len(r) > l.MaxChars {
			out = strings.TrimSpace(string(r[:l.MaxChars]))
		}
	}
	return out, out != text
}

func truncateSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	var out strings.Builder
	count := 0
	for _, r := range text {
		out.WriteRune(r)
		switch r {
		case '.', '!', '?', '؟':
			count++
		}
		if count >= maxSentences {
			break
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}
