package turn

import (
	"strings"
	"unicode"
)

// Phrases are the scripted lines the assistant speaks outside of model replies.
type Phrases struct {
	Welcome  string `mapstructure:"welcome"`
	Apology  string `mapstructure:"apology"`
	Reprompt string `mapstructure:"reprompt"`
	Farewell string `mapstructure:"farewell"`
}

var defaultPhrases = map[string]Phrases{
	"ar": {
		Welcome:  "أهلاً وسهلاً! أنا مساعدك الذكي. كيف بدك أساعدك اليوم؟",
		Apology:  "عذراً، حدث خطأ تقني. يرجى المحاولة مرة أخرى.",
		Reprompt: "عذراً، لم أفهم ما قلته. هل يمكنك الإعادة؟",
		Farewell: "شكراً لك! إلى اللقاء.",
	},
	"en": {
		Welcome:  "Hello! I'm your AI assistant. How can I help you today?",
		Apology:  "Sorry, something went wrong on my side. Please try again.",
		Reprompt: "Sorry, I didn't catch that. Could you say it again?",
		Farewell: "Thank you! Goodbye.",
	},
}

// DefaultFarewellKeywords end the call when heard as a whole phrase.
var DefaultFarewellKeywords = []string{
	"مع السلامة", "باي", "شكراً", "خلاص", "يعطيك العافية",
	"goodbye", "bye", "thank you", "thanks", "end call",
}

// PhrasesFor returns the built-in phrases for a language tag such as "ar-SA",
// with overrides applied field by field. Unknown languages use Arabic.
func PhrasesFor(language string, override Phrases) Phrases {
	base, ok := defaultPhrases[baseLanguage(language)]
	if !ok {
		base = defaultPhrases["ar"]
	}
	if override.Welcome != "" {
		base.Welcome = override.Welcome
	}
	if override.Apology != "" {
		base.Apology = override.Apology
	}
	if override.Reprompt != "" {
		base.Reprompt = override.Reprompt
	}
	if override.Farewell != "" {
		base.Farewell = override.Farewell
	}
	return base
}

func baseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}

// FarewellDetector matches caller text against farewell keywords on word
// boundaries, ignoring case, punctuation and Arabic diacritics.
type FarewellDetector struct {
	keywords []string
}

func NewFarewellDetector(keywords []string) *FarewellDetector {
	if len(keywords) == 0 {
		keywords = DefaultFarewellKeywords
	}
	d := &FarewellDetector{}
	for _, k := range keywords {
		if n := normalize(k); n != "" {
			d.keywords = append(d.keywords, n)
		}
	}
	return d
}

// Match reports whether text contains any farewell keyword.
func (d *FarewellDetector) Match(text string) bool {
	padded := " " + normalize(text) + " "
	for _, k := range d.keywords {
		if strings.Contains(padded, " "+k+" ") {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
