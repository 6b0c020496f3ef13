package tts

import "context"

// Synthesizer turns reply text into telephony audio (8 kHz mu-law unless the
// vendor is configured otherwise).
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize renders text with the given voice profile. An empty profile
	// selects the vendor default.
	Synthesize(ctx context.Context, text, voiceProfile string) ([]byte, error)
}
