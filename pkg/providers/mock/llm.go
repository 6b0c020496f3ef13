package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/session"
)

type LLMConfig struct {
	// ResponseText is returned for every utterance. Empty means echo.
	ResponseText string
	// Delay simulates model latency; cancellation is honored.
	Delay time.Duration
	Err   error
}

// Generator is a deterministic llm.Generator for local runs and tests.
type Generator struct {
	cfg LLMConfig

	mu    sync.Mutex
	calls int
}

func NewGenerator(cfg LLMConfig) *Generator {
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.cfg.Delay > 0 {
		select {
		case <-time.After(g.cfg.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.cfg.Err != nil {
		return "", g.cfg.Err
	}
	if g.cfg.ResponseText != "" {
		return g.cfg.ResponseText, nil
	}
	return "You said: " + strings.TrimSpace(text), nil
}

// Calls reports how many replies were requested.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var _ llm.Generator = (*Generator)(nil)
