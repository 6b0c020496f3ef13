package session

import (
	"context"
	"sync"
	"time"
)

// Speaker identifies who produced a history entry.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Pending is the in-progress utterance buffer.
type Pending struct {
	Text       string
	Confidence float64
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Empty reports whether nothing is buffered.
func (p Pending) Empty() bool { return p.Text == "" }

// Config is chosen at call start and never changes for the session.
type Config struct {
	Language     string
	VoiceProfile string
	// TextOnly sessions have no audio path (operator conversations).
	TextOnly bool
}

// Session is the per-call state owned by the Store. Mutable fields are guarded
// by mu; the conversation worker is the only writer of state, history and
// pending text.
type Session struct {
	ID         string
	FromNumber string
	CreatedAt  time.Time

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu           sync.Mutex
	state        State
	history      []Turn
	pending      Pending
	lastActivity time.Time
}

func newSession(id, from string, cfg Config, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	ts := now()
	return &Session{
		ID:           id,
		FromNumber:   from,
		CreatedAt:    ts,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		now:          now,
		state:        StateGreeting,
		lastActivity: ts,
	}
}

func (s *Session) Language() string     { return s.cfg.Language }
func (s *Session) VoiceProfile() string { return s.cfg.VoiceProfile }
func (s *Session) TextOnly() bool       { return s.cfg.TextOnly }

// Context is cancelled when the session leaves the store.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records the new state and returns the previous one.
func (s *Session) SetState(next State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = next
	return prev
}

// Append adds a turn to the history and returns it.
func (s *Session) Append(speaker Speaker, text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{Speaker: speaker, Text: text, At: s.now()}
	s.history = append(s.history, t)
	return t
}

// History returns a copy of the full history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// RecentHistory returns at most the last n turns; n <= 0 means everything.
func (s *Session) RecentHistory(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.history) > n {
		start = len(s.history) - n
	}
	out := make([]Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

func (s *Session) Pending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) SetPending(p Pending) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

// TakePending returns the buffered utterance and clears it in one step.
func (s *Session) TakePending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = Pending{}
	return p
}

// Touch marks inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor reports how long the session has gone without inbound activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}
