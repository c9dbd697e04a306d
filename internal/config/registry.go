package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested back-end.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps back-end selectors to their constructor functions. Factories
// receive the per-request [RunConfig] so every provider sees live
// credentials and model IDs. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	asr  map[types.ASREngine]func(RunConfig) (asr.Transcriber, error)
	sep  map[types.PipelineMode]func(RunConfig) (separation.Separator, error)
	chat map[types.LLMMode]func(RunConfig) (chat.Model, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:  make(map[types.ASREngine]func(RunConfig) (asr.Transcriber, error)),
		sep:  make(map[types.PipelineMode]func(RunConfig) (separation.Separator, error)),
		chat: make(map[types.LLMMode]func(RunConfig) (chat.Model, error)),
	}
}

// RegisterASR registers an ASR transcriber factory for engine.
// Subsequent calls with the same engine overwrite the previous registration.
func (r *Registry) RegisterASR(engine types.ASREngine, factory func(RunConfig) (asr.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[engine] = factory
}

// RegisterSeparator registers a separation factory for mode.
func (r *Registry) RegisterSeparator(mode types.PipelineMode, factory func(RunConfig) (separation.Separator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sep[mode] = factory
}

// RegisterChat registers a chat model factory for mode.
func (r *Registry) RegisterChat(mode types.LLMMode, factory func(RunConfig) (chat.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[mode] = factory
}

// CreateASR builds the transcriber for engine using the snapshot rc.
func (r *Registry) CreateASR(engine types.ASREngine, rc RunConfig) (asr.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.asr[engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("asr engine %q: %w", engine, ErrProviderNotRegistered)
	}
	return factory(rc)
}

// CreateSeparator builds the separator for mode using the snapshot rc.
func (r *Registry) CreateSeparator(mode types.PipelineMode, rc RunConfig) (separation.Separator, error) {
	r.mu.RLock()
	factory, ok := r.sep[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline mode %q: %w", mode, ErrProviderNotRegistered)
	}
	return factory(rc)
}

// CreateChat builds the chat model for mode using the snapshot rc.
func (r *Registry) CreateChat(mode types.LLMMode, rc RunConfig) (chat.Model, error) {
	r.mu.RLock()
	factory, ok := r.chat[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm mode %q: %w", mode, ErrProviderNotRegistered)
	}
	return factory(rc)
}
