// Package mock provides a scripted asr.Transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Transcriber is a scripted asr.Transcriber. Results are keyed by AudioPath
// (falling back to AudioURL); TranscribeFunc overrides the map when set.
type Transcriber struct {
	// TranscribeFunc handles every call when non-nil.
	TranscribeFunc func(ctx context.Context, req asr.Request) (*types.Diarization, error)

	// Results maps an audio ref to its canned diarization.
	Results map[string]*types.Diarization

	// Err, when non-nil, is returned by every call.
	Err error

	// Name defaults to SpeechmaticsBatch so cache keys stay realistic.
	Name types.ASREngine

	mu       sync.Mutex
	requests []asr.Request
}

var _ asr.Transcriber = (*Transcriber)(nil)

// Engine implements asr.Transcriber.
func (m *Transcriber) Engine() types.ASREngine {
	if m.Name != "" {
		return m.Name
	}
	return types.EngineSpeechmaticsBatch
}

// Transcribe implements asr.Transcriber.
func (m *Transcriber) Transcribe(ctx context.Context, req asr.Request) (*types.Diarization, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	ref := req.AudioPath
	if ref == "" {
		ref = req.AudioURL
	}
	if d, ok := m.Results[ref]; ok {
		return d, nil
	}
	// Unknown audio yields an empty but well-formed diarization.
	return &types.Diarization{
		Recording: types.Recording{
			Name:     req.BaseName,
			Language: req.Language,
			Results: map[string]types.ServiceResult{
				string(m.Engine()): {},
			},
		},
		ServicesTested: []string{string(m.Engine())},
	}, nil
}

// Requests returns a copy of every request seen so far.
func (m *Transcriber) Requests() []asr.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]asr.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
