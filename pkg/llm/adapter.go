package llm

import (
	"context"

	"github.com/harunnryd/sawt/pkg/session"
)

// Generator produces the assistant's next reply from the conversation so far.
// history holds the turns before text; text is the caller's newest utterance.
// Implementations must abort the network call when ctx is cancelled.
type Generator interface {
	Name() string
	GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error)
}

// Role maps a history speaker onto the chat-completion role vocabulary.
func Role(s session.Speaker) string {
	if s == session.SpeakerAssistant {
		return "assistant"
	}
	return "user"
}
