package llm

import "strings"

var systemPrompts = map[string]string{
	"ar": `أنت مساعد ذكي ودود يتحدث العربية الشامية (السورية).
يجب أن تكون:
- مفيد ومتعاون
- تستخدم اللهجة السورية الطبيعية
- تجيب بشكل موجز وواضح
- تظهر الاهتمام والود في المحادثة
- لا تستخدم كلمات معقدة أو فصحى مفرطة

احرص على أن تكون إجاباتك قصيرة ومناسبة للمحادثة الهاتفية.`,
	"en": `You are a helpful and friendly AI assistant.
You should:
- Be helpful and cooperative
- Use natural, conversational language
- Keep responses concise and clear
- Show interest and warmth in conversation
- Keep answers brief and suitable for phone conversations.`,
}

// SystemPrompt returns the built-in persona for a language tag. Anything that
// is not Arabic gets the English prompt.
func SystemPrompt(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "ar" || strings.HasPrefix(lang, "ar-") || strings.HasPrefix(lang, "ar_") {
		return systemPrompts["ar"]
	}
	return systemPrompts["en"]
}
