// Package gemini provides a reply generator backed by the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/session"
)

type Config struct {
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Language     string  `mapstructure:"language"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	// BaseURL overrides the API endpoint.
	BaseURL string `mapstructure:"base_url"`
}

type Generator struct {
	client *genai.Client
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api_key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.SystemPrompt(cfg.Language)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Generator{client: client, cfg: cfg}, nil
}

func (g *Generator) Name() string { return "gemini" }

func (g *Generator) GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		contents = append(contents, genai.NewContentFromText(t.Text, role(t.Speaker)))
	}
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.cfg.SystemPrompt, genai.RoleUser),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
	}
	if g.cfg.Temperature != 0 {
		config.Temperature = genai.Ptr(float32(g.cfg.Temperature))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
	if err != nil {
		if msg, ok := rateLimited(err); ok {
			return "", resilience.RateLimitError{Provider: "gemini", Message: msg}
		}
		return "", errorsx.Wrap(fmt.Errorf("gemini: generate content: %w", err), errorsx.ReasonLLMGenerate)
	}
	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", errorsx.Wrap(errors.New("gemini: empty response"), errorsx.ReasonLLMGenerate)
	}
	return reply, nil
}

func rateLimited(err error) (string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Message, v.Code == http.StatusTooManyRequests
	}
	var p *genai.APIError
	if errors.As(err, &p) {
		return p.Message, p.Code == http.StatusTooManyRequests
	}
	return "", false
}

func role(s session.Speaker) genai.Role {
	if s == session.SpeakerAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

var _ llm.Generator = (*Generator)(nil)
