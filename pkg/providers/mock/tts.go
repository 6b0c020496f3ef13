package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/audio"
)

type TTSConfig struct {
	// PerRune is how much silence each character of text produces.
	PerRune time.Duration
	// FailFirst makes the first N calls fail.
	FailFirst int
}

// Synthesizer returns mu-law silence sized to the text.
type Synthesizer struct {
	cfg TTSConfig

	mu    sync.Mutex
	calls int
	texts []string
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.PerRune <= 0 {
		cfg.PerRune = 5 * time.Millisecond
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls++
	s.texts = append(s.texts, text)
	fail := s.calls <= s.cfg.FailFirst
	s.mu.Unlock()
	if fail {
		return nil, errors.New("mock_tts: scripted failure")
	}
	return audio.Silence(time.Duration(len([]rune(text))) * s.cfg.PerRune), nil
}

// Texts returns everything synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
