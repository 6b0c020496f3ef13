// Package openai provides a reply generator backed by an OpenAI-compatible
// chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/session"
)

type Config struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	Organization string        `mapstructure:"organization"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Language     string        `mapstructure:"language"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Generator implements llm.Generator with one non-streaming completion per
// utterance.
type Generator struct {
	client oai.Client
	cfg    Config
}

func New(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api_key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.SystemPrompt(cfg.Language)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}

	// Retries are the caller's decision.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return &Generator{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

func (g *Generator) Name() string { return "openai" }

func (g *Generator) GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, g.buildParams(history, text))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", resilience.RateLimitError{Provider: "openai", Message: apiErr.Error()}
		}
		return "", errorsx.Wrap(fmt.Errorf("openai: chat completion: %w", err), errorsx.ReasonLLMGenerate)
	}
	if len(resp.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("openai: empty choices in response"), errorsx.ReasonLLMGenerate)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (g *Generator) buildParams(history []session.Turn, text string) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, oai.SystemMessage(g.cfg.SystemPrompt))
	for _, t := range history {
		messages = append(messages, convertTurn(t))
	}
	messages = append(messages, oai.UserMessage(text))

	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(g.cfg.Model),
		Messages:            messages,
		MaxCompletionTokens: param.NewOpt(int64(g.cfg.MaxTokens)),
	}
	if g.cfg.Temperature != 0 {
		params.Temperature = param.NewOpt(g.cfg.Temperature)
	}
	return params
}

func convertTurn(t session.Turn) oai.ChatCompletionMessageParamUnion {
	if llm.Role(t.Speaker) == "assistant" {
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(t.Text)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
	return oai.UserMessage(t.Text)
}

var _ llm.Generator = (*Generator)(nil)
