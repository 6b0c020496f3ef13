package sawt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/configutil"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/providers/deepgram"
	"github.com/harunnryd/sawt/pkg/providers/elevenlabs"
	"github.com/harunnryd/sawt/pkg/providers/gemini"
	"github.com/harunnryd/sawt/pkg/providers/mock"
	"github.com/harunnryd/sawt/pkg/providers/openai"
	"github.com/harunnryd/sawt/pkg/transports"
	mocktransport "github.com/harunnryd/sawt/pkg/transports/mock"
	"github.com/harunnryd/sawt/pkg/transports/twilio"
)

var (
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "vad_events", "utterance_end_ms", "endpointing"},
	}
	elevenlabsSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"voice_id", "model_id", "output_format", "base_url", "stability", "similarity_boost"},
	}
	openaiSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "organization", "system_prompt", "language", "max_tokens", "temperature", "timeout"},
	}
	geminiSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "system_prompt", "language", "max_tokens", "temperature", "base_url"},
	}
	twilioSchema = configutil.Schema{
		Optional: []string{
			"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path",
			"status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins", "playback_slack_ms",
		},
	}
	mockSchema = configutil.Schema{AllowUnknown: true}
)

// DefaultProviders registers every built-in vendor adapter.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("deepgram", func(cfg Config) (stt.Streamer, error) {
		var c deepgram.Config
		if err := decodeVendor("vendors.stt", cfg.Vendors.STT.Settings, deepgramSchema, &c); err != nil {
			return nil, err
		}
		return deepgram.New(c)
	})
	r.RegisterSTT("mock", func(cfg Config) (stt.Streamer, error) {
		var c mock.STTConfig
		if err := decodeVendor("vendors.stt", cfg.Vendors.STT.Settings, mockSchema, &c); err != nil {
			return nil, err
		}
		return mock.NewStreamer(c), nil
	})

	r.RegisterTTS("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		var c elevenlabs.Config
		if err := decodeVendor("vendors.tts", cfg.Vendors.TTS.Settings, elevenlabsSchema, &c); err != nil {
			return nil, err
		}
		return elevenlabs.New(c)
	})
	r.RegisterTTS("mock", func(cfg Config) (tts.Synthesizer, error) {
		var c mock.TTSConfig
		if err := decodeVendor("vendors.tts", cfg.Vendors.TTS.Settings, mockSchema, &c); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(c), nil
	})

	r.RegisterLLM("openai", func(_ context.Context, cfg Config) (llm.Generator, error) {
		var c openai.Config
		if err := decodeVendor("vendors.llm", cfg.Vendors.LLM.Settings, openaiSchema, &c); err != nil {
			return nil, err
		}
		c.Language = configutil.StringValue(c.Language, cfg.Conversation.Language)
		return openai.New(c)
	})
	r.RegisterLLM("gemini", func(ctx context.Context, cfg Config) (llm.Generator, error) {
		var c gemini.Config
		if err := decodeVendor("vendors.llm", cfg.Vendors.LLM.Settings, geminiSchema, &c); err != nil {
			return nil, err
		}
		c.Language = configutil.StringValue(c.Language, cfg.Conversation.Language)
		return gemini.New(ctx, c)
	})
	r.RegisterLLM("mock", func(_ context.Context, cfg Config) (llm.Generator, error) {
		var c mock.LLMConfig
		if err := decodeVendor("vendors.llm", cfg.Vendors.LLM.Settings, mockSchema, &c); err != nil {
			return nil, err
		}
		return mock.NewGenerator(c), nil
	})

	r.RegisterTransport("twilio", func(cfg Config, log *slog.Logger) (transports.Transport, error) {
		var c twilio.Config
		if err := decodeVendor("transports", cfg.Transports.Settings, twilioSchema, &c); err != nil {
			return nil, err
		}
		return twilio.New(c, log), nil
	})
	r.RegisterTransport("mock", func(Config, *slog.Logger) (transports.Transport, error) {
		return mocktransport.New(), nil
	})
	return r
}

func decodeVendor(path string, settings map[string]any, schema configutil.Schema, out any) error {
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return fmt.Errorf("%s.settings: %w", path, err)
	}
	if err := configutil.DecodeSettings(settings, out); err != nil {
		return fmt.Errorf("%s.settings: %w", path, err)
	}
	return nil
}
