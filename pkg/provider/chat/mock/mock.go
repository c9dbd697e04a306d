// Package mock provides a scripted chat.Model for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
)

// Model is a scripted chat.Model. Responses are consumed in order; when the
// script runs out the last entry repeats. CompleteFunc, when set, overrides
// the script entirely.
type Model struct {
	// ModelName overrides the reported Name. Default: "mock".
	ModelName string

	// CompleteFunc handles every call when non-nil.
	CompleteFunc func(ctx context.Context, req chat.Request) (string, error)

	// Responses is the scripted output sequence.
	Responses []string

	// Err, when non-nil, is returned by every scripted call.
	Err error

	mu       sync.Mutex
	calls    []chat.Request
	position int
}

var _ chat.Model = (*Model)(nil)

// Name implements chat.Model.
func (m *Model) Name() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return "mock"
}

// Complete implements chat.Model.
func (m *Model) Complete(ctx context.Context, req chat.Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	pos := m.position
	if m.position < len(m.Responses)-1 {
		m.position++
	}
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", chat.ErrEmptyContent
	}
	return m.Responses[pos], nil
}

// Calls returns a copy of every request seen so far.
func (m *Model) Calls() []chat.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many Complete calls were made.
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
