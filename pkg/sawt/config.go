package sawt

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/configutil"
	"github.com/harunnryd/sawt/pkg/reaper"
	"github.com/harunnryd/sawt/pkg/turn"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Reaper        ReaperConfig        `mapstructure:"reaper"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// ServerConfig is the operator/probe/metrics listener; the telephony
// transport serves its webhooks on its own address.
type ServerConfig struct {
	Addr              string `mapstructure:"addr"`
	OperatorTimeoutMS int    `mapstructure:"operator_timeout_ms"`
	DrainTimeoutMS    int    `mapstructure:"drain_timeout_ms"`
}

type ConversationConfig struct {
	Language            string                  `mapstructure:"language"`
	VoiceProfile        string                  `mapstructure:"voice_profile"`
	SampleRate          int                     `mapstructure:"sample_rate"`
	Encoding            string                  `mapstructure:"encoding"`
	MaxSessions         int                     `mapstructure:"max_sessions"`
	QueueSize           int                     `mapstructure:"queue_size"`
	MaxHistoryTurns     int                     `mapstructure:"max_history_turns"`
	ConfidenceThreshold float64                 `mapstructure:"confidence_threshold"`
	SilenceTimeoutMS    int                     `mapstructure:"silence_timeout_ms"`
	ThinkingDeadlineMS  int                     `mapstructure:"thinking_deadline_ms"`
	SynthesisDeadlineMS int                     `mapstructure:"synthesis_deadline_ms"`
	Strategy            string                  `mapstructure:"strategy"`
	FarewellKeywords    []string                `mapstructure:"farewell_keywords"`
	FallbackClip        string                  `mapstructure:"fallback_clip"`
	MaxReplyChars       int                     `mapstructure:"max_reply_chars"`
	MaxReplySentences   int                     `mapstructure:"max_reply_sentences"`
	Phrases             map[string]turn.Phrases `mapstructure:"phrases"`
}

type ReaperConfig struct {
	IntervalMS    int `mapstructure:"interval_ms"`
	IdleTimeoutMS int `mapstructure:"idle_timeout_ms"`
}

type ResilienceConfig struct {
	LLMRetries        int `mapstructure:"llm_retries"`
	LLMRetryBackoffMS int `mapstructure:"llm_retry_backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	Metrics     bool   `mapstructure:"metrics"`
	ServiceName string `mapstructure:"service_name"`
	EventBuffer int    `mapstructure:"event_buffer"`

	// DropSampleRate is the share of dropped-audio events that get recorded;
	// a saturated call drops 50 frames a second.
	DropSampleRate float64 `mapstructure:"drop_sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.operator_timeout_ms", 30000)
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("conversation.language", "ar-SA")
	v.SetDefault("conversation.voice_profile", "")
	v.SetDefault("conversation.sample_rate", 8000)
	v.SetDefault("conversation.encoding", "mulaw")
	v.SetDefault("conversation.max_sessions", 0)
	v.SetDefault("conversation.queue_size", 256)
	v.SetDefault("conversation.max_history_turns", turn.DefaultHistoryWindow)
	v.SetDefault("conversation.confidence_threshold", aggregators.DefaultConfidenceThreshold)
	v.SetDefault("conversation.silence_timeout_ms", aggregators.DefaultSilenceTimeout.Milliseconds())
	v.SetDefault("conversation.thinking_deadline_ms", turn.DefaultThinkingDeadline.Milliseconds())
	v.SetDefault("conversation.synthesis_deadline_ms", turn.DefaultSynthesisDeadline.Milliseconds())
	v.SetDefault("conversation.strategy", "aggressive")
	v.SetDefault("conversation.max_reply_chars", 0)
	v.SetDefault("conversation.max_reply_sentences", 0)
	v.SetDefault("reaper.interval_ms", reaper.DefaultInterval.Milliseconds())
	v.SetDefault("reaper.idle_timeout_ms", reaper.DefaultIdleTimeout.Milliseconds())
	v.SetDefault("resilience.llm_retries", 1)
	v.SetDefault("resilience.llm_retry_backoff_ms", 200)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.service_name", "sawt")
	v.SetDefault("observability.event_buffer", 2048)
	v.SetDefault("observability.drop_sample_rate", 0.1)
}

// LoadConfig reads a YAML file, applies defaults, expands ${ENV} references
// and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// DefaultConfig is the configuration with every default applied and mock
// vendors selected; useful for tests and local runs without credentials.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	v.Set("transports.provider", "mock")
	v.Set("vendors.stt.provider", "mock")
	v.Set("vendors.tts.provider", "mock")
	v.Set("vendors.llm.provider", "mock")
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	conv := c.Conversation
	if conv.ConfidenceThreshold < 0 || conv.ConfidenceThreshold > 1 {
		return fmt.Errorf("conversation.confidence_threshold must be within [0,1], got %v", conv.ConfidenceThreshold)
	}
	if conv.MaxSessions < 0 {
		return fmt.Errorf("conversation.max_sessions must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(conv.Strategy)) {
	case "", "aggressive", "polite":
	default:
		return fmt.Errorf("conversation.strategy must be aggressive or polite, got %q", conv.Strategy)
	}
	if c.Reaper.IdleTimeoutMS > 0 && c.Reaper.IntervalMS > c.Reaper.IdleTimeoutMS {
		return fmt.Errorf("reaper.interval_ms must not exceed reaper.idle_timeout_ms")
	}
	return nil
}

// Durations derived from the millisecond fields. Non-positive values fall
// back to the package defaults.

func (c ConversationConfig) SilenceTimeout() time.Duration {
	return configutil.Millis(c.SilenceTimeoutMS, aggregators.DefaultSilenceTimeout)
}

func (c ConversationConfig) ThinkingDeadline() time.Duration {
	return configutil.Millis(c.ThinkingDeadlineMS, turn.DefaultThinkingDeadline)
}

func (c ConversationConfig) SynthesisDeadline() time.Duration {
	return configutil.Millis(c.SynthesisDeadlineMS, turn.DefaultSynthesisDeadline)
}

func (c ReaperConfig) Interval() time.Duration {
	return configutil.Millis(c.IntervalMS, reaper.DefaultInterval)
}

func (c ReaperConfig) IdleTimeout() time.Duration {
	return configutil.Millis(c.IdleTimeoutMS, reaper.DefaultIdleTimeout)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return
		}
		switch v.Type().Elem().Kind() {
		case reflect.String:
			for _, key := range v.MapKeys() {
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(v.MapIndex(key).String())))
			}
		case reflect.Struct:
			// Map values are not addressable; expand a copy and store it back.
			for _, key := range v.MapKeys() {
				cp := reflect.New(v.Type().Elem()).Elem()
				cp.Set(v.MapIndex(key))
				expandValue(cp)
				v.SetMapIndex(key, cp)
			}
		}
	}
}
