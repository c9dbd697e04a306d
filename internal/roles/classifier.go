// Package roles classifies one voice track's transcript as the Agent or the
// Client side of a call-centre conversation.
//
// The classifier asks a chat model for a strict JSON verdict and caches clean
// results keyed by transcript hash, language, and model mode. When the model
// fails or returns garbage it falls back to a keyword heuristic; heuristic
// verdicts are returned together with the underlying error and are never
// cached, so the next run gets another shot at the model.
package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/llmjson"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const systemPrompt = `You are analyzing one side of a call-centre phone conversation.
The transcript below contains only what a single speaker said.

Decide whether this speaker is the call-centre operator or the client.
Operators greet, ask how they can help, follow scripts, and explain procedures.
Clients describe problems, ask questions, and provide personal details.

Respond with ONLY a JSON object, no markdown, no explanations:
{"role": "operator" | "client", "confidence": <0.0-1.0>, "summary": "<one sentence>"}`

// verdict is the JSON shape the model must return.
type verdict struct {
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// Classifier decides the conversational role of a voice track.
type Classifier struct {
	model chat.Model
	store *cache.Store
	mode  types.LLMMode
	log   *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Classifier)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Classifier) { c.log = log }
}

// New creates a Classifier backed by model. store may be nil to disable
// caching.
func New(model chat.Model, store *cache.Store, mode types.LLMMode, opts ...Option) *Classifier {
	c := &Classifier{
		model: model,
		store: store,
		mode:  mode,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns a role verdict for transcript.
//
// A nil error means a clean model verdict (possibly cached). A non-nil error
// still returns a usable heuristic verdict; the caller records the error but
// keeps the analysis.
func (c *Classifier) Classify(ctx context.Context, transcript, language string) (*types.RoleAnalysis, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return &types.RoleAnalysis{
			Role:       types.RoleUnknown,
			Confidence: 0,
			Summary:    "No speech detected.",
		}, nil
	}

	key := cache.RoleKey(transcript, language, c.mode)
	if c.store != nil {
		var cached types.RoleAnalysis
		if c.store.Get(key, &cached) {
			c.log.Debug("role classification cache hit", "key", key, "role", cached.Role)
			return &cached, nil
		}
	}

	analysis, err := c.classifyLLM(ctx, transcript)
	if err != nil {
		c.log.Warn("role classification fell back to heuristic", "error", err)
		return heuristic(transcript), fmt.Errorf("roles: classify: %w", err)
	}

	if c.store != nil {
		if perr := c.store.Put(key, analysis); perr != nil {
			c.log.Warn("role classification cache write failed", "key", key, "error", perr)
		}
	}
	return analysis, nil
}

func (c *Classifier) classifyLLM(ctx context.Context, transcript string) (*types.RoleAnalysis, error) {
	content, err := c.model.Complete(ctx, chat.Request{
		System:      systemPrompt,
		User:        transcript,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var v verdict
	if err := llmjson.Decode(content, &v); err != nil {
		return nil, err
	}

	var role types.Role
	switch strings.ToLower(strings.TrimSpace(v.Role)) {
	case "operator":
		role = types.RoleAgent
	case "client":
		role = types.RoleClient
	default:
		return nil, fmt.Errorf("unrecognised role %q", v.Role)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	return &types.RoleAnalysis{
		Role:       role,
		Confidence: v.Confidence,
		Summary:    strings.TrimSpace(v.Summary),
	}, nil
}

// heuristic guesses the role from service phrases a scripted operator uses.
// Confidence is fixed at 0.5 so downstream consumers can tell it apart from a
// model verdict.
func heuristic(transcript string) *types.RoleAnalysis {
	lower := strings.ToLower(transcript)
	role := types.RoleClient
	for _, marker := range []string{"help", "can i", "how can"} {
		if strings.Contains(lower, marker) {
			role = types.RoleAgent
			break
		}
	}
	return &types.RoleAnalysis{
		Role:       role,
		Confidence: 0.5,
		Summary:    "Heuristic classification based on service phrases.",
	}
}
