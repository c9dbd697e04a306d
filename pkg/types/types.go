// Package types defines the shared types used across all Crosstalk packages.
//
// These types form the lingua franca between the engine adapters, the
// voice-track aggregator, the programmatic merger, the markdown pipeline, and
// the orchestrator. They are intentionally minimal: each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
//
// All times are seconds (float64). Speaker labels are normalised to the
// SPEAKER_NN form everywhere except the final Markdown table, where only the
// Agent and Client roles appear.
package types

import "time"

// Role is the conversational role attached to a speaker or segment.
type Role string

const (
	// RoleAgent is the call-centre operator side of the conversation.
	RoleAgent Role = "Agent"

	// RoleClient is the customer side of the conversation.
	RoleClient Role = "Client"

	// RoleUnknown is used internally when classification has not run or failed.
	// It never appears in the final Markdown output.
	RoleUnknown Role = "Unknown"
)

// Source identifies which pipeline stage produced a segment.
type Source string

const (
	// SourcePrimary marks a segment that came from the primary (mixed-audio)
	// diarization unchanged.
	SourcePrimary Source = "primary"

	// SourceVoiceTrack marks a segment extracted from a separated stem by the
	// voice-track aggregator.
	SourceVoiceTrack Source = "voice-track"

	// SourceVoiceEnhanced marks a primary segment whose text was replaced by
	// better voice-track text during the programmatic merge.
	SourceVoiceEnhanced Source = "voice-enhanced"

	// SourceVoiceAdditional marks a voice-track segment inserted next to the
	// primary timeline by a separation back-end that supports insertion.
	SourceVoiceAdditional Source = "voice-additional"

	// SourceLLMRefined marks a segment rebuilt from the LLM markdown output.
	SourceLLMRefined Source = "llm-refined"
)

// MergeConfidence grades how confidently the programmatic merger fused a
// primary segment with voice-track text.
type MergeConfidence string

const (
	MergeHigh MergeConfidence = "high"
	MergeLow  MergeConfidence = "low"
)

// Word is a single recognised word with its time bounds.
// Start <= End always holds after sanitisation.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Pause is a silence gap inside a segment, derived from word-level timings.
type Pause struct {
	// Start and End bound the silent interval in recording time.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Duration is End-Start, kept explicit for display.
	Duration float64 `json:"duration"`
}

// Segment is the canonical diarized utterance unit flowing through the
// pipeline. Invariants: Start <= End; Words (if present) lie inside
// [Start, End]; Text is non-empty after trimming for final segments.
type Segment struct {
	// Speaker is the normalised SPEAKER_NN label.
	Speaker string `json:"speaker"`

	// Role is set once role classification has been applied. Internal only.
	Role Role `json:"role,omitempty"`

	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Words carries per-word detail when the engine reports it.
	Words []Word `json:"words,omitempty"`

	// Overlap is true when another speaker's segment overlaps this one in time.
	Overlap bool `json:"overlap,omitempty"`

	// Source identifies the pipeline stage that produced this segment.
	Source Source `json:"source,omitempty"`

	// TrackSpeaker records which separated stem the segment came from.
	TrackSpeaker string `json:"trackSpeaker,omitempty"`

	// MergeConfidence grades the programmatic merge decision for this segment.
	MergeConfidence MergeConfidence `json:"mergeConfidence,omitempty"`

	// PauseBefore is the silence gap between this segment and the previous one.
	// Populated by pause detection.
	PauseBefore float64 `json:"pauseBefore,omitempty"`

	// Pauses lists intra-segment silences when word timings are available.
	Pauses []Pause `json:"pauses,omitempty"`

	// IsReplicaBoundary is true when PauseBefore is long enough to treat this
	// segment as the start of a new conversational turn.
	IsReplicaBoundary bool `json:"isReplicaBoundary,omitempty"`
}

// Clone returns a deep copy of s. Later pipeline stages clone before mutating
// so that each artifact keeps ownership of its own segments.
func (s Segment) Clone() Segment {
	out := s
	if s.Words != nil {
		out.Words = make([]Word, len(s.Words))
		copy(out.Words, s.Words)
	}
	if s.Pauses != nil {
		out.Pauses = make([]Pause, len(s.Pauses))
		copy(out.Pauses, s.Pauses)
	}
	return out
}

// CloneSegments deep-copies a segment slice.
func CloneSegments(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = s.Clone()
	}
	return out
}

// ServiceResult is one engine's diarization of a recording.
type ServiceResult struct {
	Segments     []Segment      `json:"segments"`
	SpeakerCount int            `json:"speakerCount"`
	RawMeta      map[string]any `json:"rawMeta,omitempty"`
}

// Recording describes one audio input and the per-engine diarization results.
// Results is keyed by engine name; the post-merge key is [OverlapCorrectedKey].
type Recording struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Duration     float64                  `json:"duration"`
	Language     string                   `json:"language"`
	SpeakerCount int                      `json:"speakerCount"`
	Results      map[string]ServiceResult `json:"results"`
}

// OverlapCorrectedKey is the Recording.Results key under which the
// programmatic merger stores its fused segment list.
const OverlapCorrectedKey = "overlap-corrected"

// Diarization is the top-level diarization artifact: one recording plus the
// set of engines that produced results for it.
type Diarization struct {
	Recording      Recording `json:"recording"`
	ServicesTested []string  `json:"servicesTested"`
}

// Result returns the ServiceResult stored under key, or an empty result.
func (d *Diarization) Result(key string) ServiceResult {
	if d == nil || d.Recording.Results == nil {
		return ServiceResult{}
	}
	return d.Recording.Results[key]
}

// RoleAnalysis is the role classifier's verdict for one voice track.
type RoleAnalysis struct {
	Role       Role    `json:"role"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// Stem is one single-speaker audio file produced by a separation back-end.
type Stem struct {
	// Name is the normalised SPEAKER_NN label assigned to this stem.
	Name string `json:"name"`

	// AudioRef is a local path or HTTPS URL to the stem audio.
	AudioRef string `json:"audioRef"`

	// IsBackground marks residual stems that carry no target speaker.
	IsBackground bool `json:"isBackground,omitempty"`

	// Format is the audio container format (e.g. "wav", "flac").
	Format string `json:"format,omitempty"`
}

// SeparationResult is the separation adapter's output for one recording.
type SeparationResult struct {
	TaskID string `json:"taskId"`
	Stems  []Stem `json:"stems"`
}

// SpeakerStems returns the non-background stems in slice order.
func (r *SeparationResult) SpeakerStems() []Stem {
	out := make([]Stem, 0, len(r.Stems))
	for _, s := range r.Stems {
		if !s.IsBackground {
			out = append(out, s)
		}
	}
	return out
}

// VoiceTrack bundles everything the pipeline knows about one separated stem.
type VoiceTrack struct {
	Speaker        string        `json:"speaker"`
	AudioRef       string        `json:"audioRef"`
	Transcription  *Diarization  `json:"transcription,omitempty"`
	TranscriptText string        `json:"transcriptText"`
	RoleAnalysis   *RoleAnalysis `json:"roleAnalysis,omitempty"`

	// RoleError preserves the classification failure message when RoleAnalysis
	// is nil. Forensic only; never interpreted downstream.
	RoleError string `json:"roleError,omitempty"`
}

// ─── Request enums ────────────────────────────────────────────────────────────

// LLMMode selects which chat model class drives the markdown refinement.
type LLMMode string

const (
	LLMModeLocal    LLMMode = "local"
	LLMModeFast     LLMMode = "fast"
	LLMModeSmart    LLMMode = "smart"
	LLMModeSmart2   LLMMode = "smart2"
	LLMModeTest     LLMMode = "test"
	LLMModeTest2    LLMMode = "test2"
	LLMModeGemini25 LLMMode = "gemini25"
)

// IsValid reports whether m is a recognised LLM mode.
func (m LLMMode) IsValid() bool {
	switch m {
	case LLMModeLocal, LLMModeFast, LLMModeSmart, LLMModeSmart2,
		LLMModeTest, LLMModeTest2, LLMModeGemini25:
		return true
	}
	return false
}

// IsLocal reports whether m runs against the local OpenAI-compatible endpoint.
func (m LLMMode) IsLocal() bool { return m == LLMModeLocal }

// PipelineMode selects the source-separation back-end.
type PipelineMode string

const (
	PipelineAudioShake  PipelineMode = "AudioShake"
	PipelinePyAnnote    PipelineMode = "PyAnnote"
	PipelineSpeechBrain PipelineMode = "SpeechBrain"
)

// IsValid reports whether p is a recognised pipeline mode.
func (p PipelineMode) IsValid() bool {
	switch p {
	case PipelineAudioShake, PipelinePyAnnote, PipelineSpeechBrain:
		return true
	}
	return false
}

// ASREngine selects the primary transcription back-end.
type ASREngine string

const (
	EngineSpeechmaticsBatch ASREngine = "SpeechmaticsBatch"
	EngineAzureBatch        ASREngine = "AzureBatch"
	EngineAzureRealtime     ASREngine = "AzureRealtime"
)

// IsValid reports whether e is a recognised ASR engine.
func (e ASREngine) IsValid() bool {
	switch e {
	case EngineSpeechmaticsBatch, EngineAzureBatch, EngineAzureRealtime:
		return true
	}
	return false
}

// TextAnalysisMode selects the Blue/Green/Red classifier implementation.
type TextAnalysisMode string

const (
	TextAnalysisScript TextAnalysisMode = "script"
	TextAnalysisLLM    TextAnalysisMode = "llm"
)

// IsValid reports whether t is a recognised text-analysis mode.
func (t TextAnalysisMode) IsValid() bool {
	return t == TextAnalysisScript || t == TextAnalysisLLM
}

// DiarizationMode controls how an ASR engine attributes speakers.
type DiarizationMode string

const (
	// DiarizeMix lets the engine diarize a mixed recording freely.
	DiarizeMix DiarizationMode = "mix"

	// DiarizeChannel constrains the engine for single-speaker stems so
	// residual crosstalk does not hallucinate extra speakers.
	DiarizeChannel DiarizationMode = "channel"
)

// Request is the immutable description of one pipeline run.
// Exactly one of AudioPath and AudioURL is set.
type Request struct {
	AudioPath string `json:"audioPath,omitempty"`
	AudioURL  string `json:"audioUrl,omitempty"`

	// Language is a BCP-47 code or "auto".
	Language string `json:"language"`

	// SpeakerHint is the expected speaker count; 0 means auto.
	SpeakerHint int `json:"speakerHint"`

	LLMMode          LLMMode          `json:"llmMode"`
	PipelineMode     PipelineMode     `json:"pipelineMode"`
	Engine           ASREngine        `json:"engine"`
	TextAnalysisMode TextAnalysisMode `json:"textAnalysisMode"`

	// GroundTruth is an optional reference transcript used only for scoring.
	GroundTruth string `json:"groundTruth,omitempty"`
}

// ─── Run state & progress ─────────────────────────────────────────────────────

// StepStatus is the lifecycle state of one orchestrator step.
type StepStatus string

const (
	StepPending               StepStatus = "pending"
	StepProcessing            StepStatus = "processing"
	StepCompleted             StepStatus = "completed"
	StepCompletedWithFallback StepStatus = "completed_with_fallback"
	StepFailed                StepStatus = "failed"
	StepSkipped               StepStatus = "skipped"
)

// StepState records the outcome of one orchestrator step.
type StepState struct {
	Step     int            `json:"step"`
	Name     string         `json:"name"`
	Status   StepStatus     `json:"status"`
	Duration float64        `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
}

// Progress event types emitted by the orchestrator.
const (
	EventStepProgress  = "step-progress"
	EventFinalResult   = "final-result"
	EventPipelineError = "pipeline-error"
	EventHeartbeat     = "heartbeat"
)

// ProgressEvent is one entry in a run's monotonically ordered event stream.
type ProgressEvent struct {
	Type        string         `json:"type"`
	Step        int            `json:"step,omitempty"`
	Status      StepStatus     `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"requestId"`
}

// IsTerminal reports whether e ends the stream (final result or error).
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventFinalResult || e.Type == EventPipelineError
}

// ProgressSink receives fine-grained progress from adapters and pipeline
// stages. Implementations must be safe for concurrent use and must never
// block for long: slow consumers drop events rather than stall the pipeline.
type ProgressSink interface {
	// Progress reports a named event with free-form detail.
	Progress(description string, details map[string]any)
}

// NopSink is a ProgressSink that discards everything.
type NopSink struct{}

// Progress implements ProgressSink.
func (NopSink) Progress(string, map[string]any) {}
