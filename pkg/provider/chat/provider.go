// Package chat defines the Model interface for the chat-LLM backends the
// diarization pipeline calls: role classification, markdown refinement, text
// analysis, and ground-truth critique all speak through it.
//
// Implementations wrap an OpenAI-compatible endpoint (remote or local) or a
// native vendor SDK and must be safe for concurrent use. Vendor wire formats
// never leave the implementing package.
package chat

import (
	"context"
	"errors"
)

// ErrEmptyContent is returned when a model produced no usable text. Callers
// treat it as a distinct failure class: the markdown pipeline falls back to
// the previous step's output and the role classifier to its heuristic.
var ErrEmptyContent = errors.New("chat: model returned empty content")

// Request is one chat completion. System and User become the two messages of
// the conversation; the pipeline never sends multi-turn history.
type Request struct {
	// System is the instruction prompt. Optional.
	System string

	// User is the task payload. Required.
	User string

	// Temperature is passed through verbatim. The pipeline always uses 0 so
	// cache entries stay reproducible.
	Temperature float64

	// ReasoningEffort, when non-empty, asks the backend for extended
	// reasoning. Only remote backends honor it; local ones ignore it.
	ReasoningEffort string

	// Stop lists stop sequences ending generation early.
	Stop []string

	// StreamJSON streams the response and cuts it at the first balanced
	// top-level JSON object. Used by the multi-step markdown calls against
	// local models that ramble after their JSON payload.
	StreamJSON bool
}

// Model is the abstraction over one chat-LLM backend.
//
// Complete returns the model's text output. An output that is empty after
// trimming must be reported as [ErrEmptyContent] (possibly wrapped), never as
// an empty string with a nil error.
type Model interface {
	// Name identifies the backend and model for logs and cache keys.
	Name() string

	// Complete performs one chat completion.
	Complete(ctx context.Context, req Request) (string, error)
}
