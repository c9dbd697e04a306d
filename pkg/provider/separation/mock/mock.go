// Package mock provides a scripted separation.Separator for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Separator is a scripted separation.Separator.
type Separator struct {
	// SeparateFunc handles every call when non-nil.
	SeparateFunc func(ctx context.Context, req separation.Request) (*types.SeparationResult, error)

	// Result is returned by every call when SeparateFunc is nil.
	Result *types.SeparationResult

	// Err, when non-nil, is returned by every call.
	Err error

	// RefreshFunc handles RefreshStems calls. When nil the mock reports that
	// it cannot refresh, like a back-end without expiring links.
	RefreshFunc func(ctx context.Context, taskID string) ([]types.Stem, error)

	// PipelineMode defaults to PyAnnote.
	PipelineMode types.PipelineMode

	mu           sync.Mutex
	requests     []separation.Request
	refreshCalls int
}

var _ separation.Separator = (*Separator)(nil)
var _ separation.StemRefresher = (*Separator)(nil)

// Mode implements separation.Separator.
func (m *Separator) Mode() types.PipelineMode {
	if m.PipelineMode != "" {
		return m.PipelineMode
	}
	return types.PipelinePyAnnote
}

// Separate implements separation.Separator.
func (m *Separator) Separate(ctx context.Context, req separation.Request) (*types.SeparationResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.SeparateFunc != nil {
		return m.SeparateFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &types.SeparationResult{
		TaskID: "mock-task",
		Stems: []types.Stem{
			{Name: "SPEAKER_00", AudioRef: "stem_00.wav", Format: "wav"},
			{Name: "SPEAKER_01", AudioRef: "stem_01.wav", Format: "wav"},
		},
	}, nil
}

// RefreshStems implements separation.StemRefresher.
func (m *Separator) RefreshStems(ctx context.Context, taskID string) ([]types.Stem, error) {
	m.mu.Lock()
	m.refreshCalls++
	m.mu.Unlock()

	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, taskID)
	}
	return nil, errors.New("mock: stem refresh not scripted")
}

// RefreshCalls returns how many RefreshStems calls were made.
func (m *Separator) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// Requests returns a copy of every request seen so far.
func (m *Separator) Requests() []separation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]separation.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
