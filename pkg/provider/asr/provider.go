// Package asr defines the Transcriber interface for batch and realtime
// speech-to-text back-ends with speaker diarization.
//
// A Transcriber turns one audio input into a [types.Diarization]. Vendor wire
// formats, job polling, and retry behaviour stay inside the implementing
// package; the orchestrator only ever sees normalised segments with
// SPEAKER_NN labels.
//
// Implementations must be safe for concurrent use: the per-stem
// re-transcription step calls the same Transcriber from several goroutines.
package asr

import (
	"context"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Request describes one transcription job.
type Request struct {
	// AudioPath is the local audio file. Engines that upload media read it.
	AudioPath string

	// AudioURL is a publicly reachable URL for engines that fetch media
	// themselves. At least one of AudioPath and AudioURL must be set.
	AudioURL string

	// BaseName is the sanitized recording name, used in logs and artifacts.
	BaseName string

	// Language is a BCP-47 code, or "auto" where the engine supports it.
	Language string

	// SpeakerHint is the expected number of speakers; 0 lets the engine decide.
	SpeakerHint int

	// Mode must be [types.DiarizeChannel] when transcribing a separated stem.
	// Residual crosstalk otherwise makes engines invent extra speakers.
	Mode types.DiarizationMode

	// Progress receives poll and state-transition events. Never nil after
	// normalisation; use [types.NopSink] when nothing listens.
	Progress types.ProgressSink
}

// Transcriber is the abstraction over one ASR back-end.
type Transcriber interface {
	// Engine identifies the back-end for cache keys and logs.
	Engine() types.ASREngine

	// Transcribe runs one job to completion, honoring ctx for cancellation.
	// The returned diarization carries exactly one ServiceResult, stored under
	// the engine's name.
	Transcribe(ctx context.Context, req Request) (*types.Diarization, error)
}
