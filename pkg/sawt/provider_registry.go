package sawt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/transports"
)

type STTBuilder func(cfg Config) (stt.Streamer, error)
type TTSBuilder func(cfg Config) (tts.Synthesizer, error)
type LLMBuilder func(ctx context.Context, cfg Config) (llm.Generator, error)
type TransportBuilder func(cfg Config, log *slog.Logger) (transports.Transport, error)

// ProviderRegistry maps provider names from config onto constructors.
// Names are case-insensitive.
type ProviderRegistry struct {
	stt       map[string]STTBuilder
	tts       map[string]TTSBuilder
	llm       map[string]LLMBuilder
	transport map[string]TransportBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTBuilder),
		tts:       make(map[string]TTSBuilder),
		llm:       make(map[string]LLMBuilder),
		transport: make(map[string]TransportBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) {
	r.stt[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) {
	r.tts[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) {
	r.llm[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterTransport(name string, b TransportBuilder) {
	r.transport[providerKey(name)] = b
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Streamer, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, provider string, cfg Config) (llm.Generator, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(ctx, cfg)
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config, log *slog.Logger) (transports.Transport, error) {
	fn := r.transport[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(cfg, log)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
