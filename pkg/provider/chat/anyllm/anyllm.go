// Package anyllm implements chat.Model on top of github.com/mozilla-ai/any-llm-go.
// The pipeline uses it for the gemini25 mode, which talks to Google Gemini
// natively instead of through an OpenAI-compatible gateway.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
)

// Provider implements chat.Model by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	label   string
	model   string
}

var _ chat.Model = (*Provider)(nil)

// NewGemini creates a Provider backed by Google Gemini. Without options the
// library reads GEMINI_API_KEY or GOOGLE_API_KEY from the environment.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := gemini.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create gemini backend: %w", err)
	}
	return &Provider{backend: backend, label: "gemini", model: model}, nil
}

// Name implements chat.Model.
func (p *Provider) Name() string { return p.label + ":" + p.model }

// Complete implements chat.Model. Stop sequences and streaming cut-off are
// not supported by this backend; the salvage logic downstream copes with
// trailing prose instead.
func (p *Provider) Complete(ctx context.Context, req chat.Request) (string, error) {
	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.User,
	})

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	t := req.Temperature
	params.Temperature = &t

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: no choices: %w", chat.ErrEmptyContent)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if content == "" {
		return "", fmt.Errorf("anyllm: model %s: %w", p.model, chat.ErrEmptyContent)
	}
	return content, nil
}
