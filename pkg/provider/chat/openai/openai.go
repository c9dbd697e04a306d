// Package openai implements chat.Model against any OpenAI-compatible
// /chat/completions endpoint: the hosted OpenRouter gateway as well as local
// llama.cpp or vLLM servers. Which one it talks to is purely a matter of the
// base URL and key it is constructed with.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
)

// Provider implements chat.Model using the openai-go SDK.
type Provider struct {
	client         oai.Client
	model          string
	allowReasoning bool
}

var _ chat.Model = (*Provider)(nil)

type config struct {
	baseURL        string
	timeout        time.Duration
	allowReasoning bool
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL points the client at a non-default endpoint, e.g. an OpenRouter
// gateway or a local inference server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout. Local models need generous
// values; batch markdown calls run for minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithReasoning permits sending the reasoning-effort field. Local endpoints
// reject it, so only remote constructions set this.
func WithReasoning() Option {
	return func(c *config) { c.allowReasoning = true }
}

// New constructs a Provider for the given model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client:         oai.NewClient(reqOpts...),
		model:          model,
		allowReasoning: cfg.allowReasoning,
	}, nil
}

// Name implements chat.Model.
func (p *Provider) Name() string { return "openai:" + p.model }

// Complete implements chat.Model.
func (p *Provider) Complete(ctx context.Context, req chat.Request) (string, error) {
	params := p.buildParams(req)
	if req.StreamJSON {
		return p.completeStreaming(ctx, params)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices: %w", chat.ErrEmptyContent)
	}
	msg := resp.Choices[0].Message
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		// Reasoning models sometimes put their entire answer into the
		// reasoning field and leave content blank.
		content = strings.TrimSpace(reasoningField(msg))
	}
	if content == "" {
		return "", fmt.Errorf("openai: model %s: %w", p.model, chat.ErrEmptyContent)
	}
	return content, nil
}

// completeStreaming consumes the SSE stream and stops at the first balanced
// top-level JSON object or at end of stream, whichever comes first.
func (p *Provider) completeStreaming(ctx context.Context, params oai.ChatCompletionNewParams) (string, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		sb       strings.Builder
		depth    int
		seenOpen bool
		inString bool
		escaped  bool
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		for _, r := range text {
			sb.WriteRune(r)
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				if inString {
					escaped = true
				}
			case '"':
				inString = !inString
			case '{':
				if !inString {
					depth++
					seenOpen = true
				}
			case '}':
				if !inString {
					depth--
				}
			}
			if seenOpen && depth == 0 {
				goto done
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("openai: stream: %w", err)
	}
done:
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return "", fmt.Errorf("openai: model %s stream: %w", p.model, chat.ErrEmptyContent)
	}
	return content, nil
}

func (p *Provider) buildParams(req chat.Request) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.User))

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.Temperature),
	}
	if len(req.Stop) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.ReasoningEffort != "" && p.allowReasoning {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}
	return params
}

// reasoningField digs the non-standard "reasoning" field some gateways attach
// to the assistant message out of the raw response.
func reasoningField(msg oai.ChatCompletionMessage) string {
	field, ok := msg.JSON.ExtraFields["reasoning"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(field.Raw()), &s); err != nil {
		return ""
	}
	return s
}
