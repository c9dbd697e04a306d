package orchestrator

import (
	"path/filepath"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/groundtruth"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/textanalysis"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// SeparationSummary is the externally visible slice of a separation result.
type SeparationSummary struct {
	TaskID   string       `json:"taskId,omitempty"`
	Speakers []types.Stem `json:"speakers"`
}

// Result is the final payload of a successful run. GroundTruthMetrics is null
// when no reference transcript was supplied, never an empty object.
type Result struct {
	RequestID    string             `json:"request_id"`
	PipelineMode types.PipelineMode `json:"pipeline_mode"`

	PrimaryDiarization   *types.Diarization `json:"primary_diarization"`
	CorrectedDiarization *types.Diarization `json:"corrected_diarization"`

	Separation  *SeparationSummary `json:"separation,omitempty"`
	VoiceTracks []types.VoiceTrack `json:"voice_tracks,omitempty"`

	MarkdownTable      string                 `json:"markdown_table"`
	TextAnalysis       *textanalysis.Analysis `json:"text_analysis,omitempty"`
	GroundTruthMetrics *groundtruth.Report    `json:"ground_truth_metrics"`

	Steps         []types.StepState `json:"steps"`
	TotalDuration float64           `json:"total_duration"`
}

// rawMetaDropKeys are diagnostic engine fields never shown to clients.
var rawMetaDropKeys = []string{"stderr", "stdout", "stream", "rawResponse"}

// sanitize strips internal diagnostics from the final payload: subprocess
// output captured in raw metadata and absolute paths under the per-run temp
// directory. Persisted uploads keep their paths so clients can fetch stems.
func sanitize(res *Result, tempDir string) {
	scrubDiarization(res.PrimaryDiarization)
	scrubDiarization(res.CorrectedDiarization)

	if res.Separation != nil {
		for i := range res.Separation.Speakers {
			res.Separation.Speakers[i].AudioRef = scrubPath(res.Separation.Speakers[i].AudioRef, tempDir)
		}
	}
	for i := range res.VoiceTracks {
		res.VoiceTracks[i].AudioRef = scrubPath(res.VoiceTracks[i].AudioRef, tempDir)
		scrubDiarization(res.VoiceTracks[i].Transcription)
	}
}

func scrubDiarization(d *types.Diarization) {
	if d == nil {
		return
	}
	for key, sr := range d.Recording.Results {
		if sr.RawMeta == nil {
			continue
		}
		for _, k := range rawMetaDropKeys {
			delete(sr.RawMeta, k)
		}
		d.Recording.Results[key] = sr
	}
}

// scrubPath replaces a temp-directory path with its base name. The file is
// gone after the run anyway; the name still identifies the stem.
func scrubPath(ref, tempDir string) string {
	if tempDir != "" && strings.HasPrefix(ref, tempDir) {
		return filepath.Base(ref)
	}
	return ref
}
