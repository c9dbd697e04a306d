// Package separation defines the Separator interface for source-separation
// back-ends: services or local models that split a mixed recording into
// per-speaker stems.
//
// Back-ends differ in how they receive audio. AudioShake fetches it over
// HTTPS and never sees local paths; the PyAnnote and SpeechBrain subprocess
// runners work on local files only. The orchestrator picks the right input
// form per [types.PipelineMode].
package separation

import (
	"context"
	"errors"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// ErrHTTPSRequired is returned by URL-based back-ends when the source audio
// is not reachable over public HTTPS. It must never surface from the local
// subprocess back-ends.
var ErrHTTPSRequired = errors.New("separation: audio source requires publicly accessible HTTPS URL")

// DebugParams tunes the SpeechBrain chunked-inference path. Other back-ends
// ignore it.
type DebugParams struct {
	// ChunkSeconds is the inference window length. 0 keeps the model default.
	ChunkSeconds float64 `json:"chunkSeconds,omitempty"`

	// EnableSpectralGating switches the post-separation noise gate on.
	EnableSpectralGating bool `json:"enableSpectralGating,omitempty"`

	// GateThreshold and GateAlpha parameterize the gate when enabled.
	GateThreshold float64 `json:"gateThreshold,omitempty"`
	GateAlpha     float64 `json:"gateAlpha,omitempty"`
}

// Request describes one separation job.
type Request struct {
	// AudioPath is the local audio file for subprocess back-ends.
	AudioPath string

	// AudioURL is the publicly reachable HTTPS URL for service back-ends.
	AudioURL string

	// BaseName is the sanitized recording name for logs and stem naming.
	BaseName string

	// Progress receives job state transitions and subprocess progress lines.
	Progress types.ProgressSink

	// Debug is optional and honored by SpeechBrain only.
	Debug *DebugParams
}

// Separator is the abstraction over one separation back-end.
//
// Implementations must be safe for concurrent use and must normalise stem
// names to SPEAKER_NN before returning.
type Separator interface {
	// Mode identifies the back-end for cache keys and logs.
	Mode() types.PipelineMode

	// Separate runs one job to completion, honoring ctx for cancellation.
	Separate(ctx context.Context, req Request) (*types.SeparationResult, error)
}

// StemRefresher is implemented by service back-ends whose stem links expire.
// Cached results from such back-ends must not be replayed as stored; callers
// re-request fresh download URLs for the original job instead.
type StemRefresher interface {
	// RefreshStems returns current stem links for a previously completed job.
	RefreshStems(ctx context.Context, taskID string) ([]types.Stem, error)
}
