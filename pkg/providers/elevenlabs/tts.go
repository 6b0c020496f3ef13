package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/resilience"
)

const (
	DefaultVoiceID      = "pNInz6obpgDQGcFmaJgB"
	DefaultModelID      = "eleven_multilingual_v2"
	DefaultOutputFormat = "ulaw_8000"
	defaultBaseURL      = "wss://api.elevenlabs.io"
)

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	// BaseURL overrides the websocket host, e.g. for a regional endpoint.
	BaseURL         string  `mapstructure:"base_url"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

// Synthesizer renders one utterance per websocket session and returns the
// whole clip. The voice profile passed per call overrides VoiceID.
type Synthesizer struct {
	cfg     Config
	dialer  websocket.Dialer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(cfg Config) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs: api_key is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.8
	}
	return &Synthesizer{
		cfg:     cfg,
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 5 * time.Second},
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, text, voiceProfile string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("elevenlabs: empty text")
	}
	voice := voiceProfile
	if voice == "" {
		voice = s.cfg.VoiceID
	}
	var out []byte
	err := s.breaker.Execute(func() error {
		var err error
		out, err = s.synthesize(ctx, text, voice)
		return err
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: %w", err), errorsx.ReasonTTSCircuitOpen)
	case resilience.IsRateLimit(err):
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
	}
	return out, err
}

func (s *Synthesizer) synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	u, err := s.buildURL(voice)
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: connect: %w", err), errorsx.ReasonTTSConnect)
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.SimilarityBoost,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: send: %w", err), errorsx.ReasonTTSSend)
		}
	}

	var audio []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(audio) > 0 {
				return audio, nil
			}
			return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: read: %w", err), errorsx.ReasonTTSSend)
		}
		chunk, final, err := decodeMessage(data)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
		audio = append(audio, chunk...)
		if final {
			s.logger.Debug("elevenlabs_synthesized", slog.Int("size_bytes", len(audio)))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return audio, nil
		}
	}
}

func (s *Synthesizer) buildURL(voice string) (string, error) {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: base url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type serverMessage struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     *bool  `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// decodeMessage extracts audio from one server message and reports whether
// it ends the generation.
func decodeMessage(data []byte) ([]byte, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode message: %w", err)
	}
	if msg.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
	}
	encoded := msg.Audio
	if encoded == "" {
		encoded = msg.AudioBase64
	}
	var raw []byte
	if encoded != "" {
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
		raw = b
	}
	return raw, msg.IsFinal != nil && *msg.IsFinal, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
