// Package merge fuses the primary (mixed-audio) diarization with the
// per-stem voice tracks.
//
// The primary timeline is authoritative: the merger never moves a segment,
// never changes its speaker, and never inserts voice-track segments between
// primary ones. All it may do is replace a primary segment's text with the
// cleaner text the ASR produced on the isolated stem, and only when a strict
// set of guards agrees that both segments are the same utterance.
package merge

import (
	"log/slog"
	"math"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const (
	// minOverlap is the least time intersection for a candidate pair.
	minOverlap = 0.1

	// maxMidDistance bounds how far apart the segment midpoints may drift.
	maxMidDistance = 2.0

	// minSimilarity is the least token similarity for a candidate pair.
	minSimilarity = 0.3

	// replaceSimilarity and replaceLengthRatio gate the actual text swap.
	// Below them the match is recorded but the primary text stays.
	replaceSimilarity  = 0.8
	replaceLengthRatio = 0.9
)

// Stats summarises one merge for the run artifact.
type Stats struct {
	PrimarySegments int `json:"primarySegments"`
	VoiceSegments   int `json:"voiceSegments"`
	Enhanced        int `json:"enhanced"`
	LowConfidence   int `json:"lowConfidence"`
	UnmatchedVoice  int `json:"unmatchedVoice"`
}

// Merger fuses primary segments with voice-track segments.
type Merger struct {
	log *slog.Logger
}

// New creates a Merger.
func New(log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{log: log}
}

// Merge returns a fused copy of primary. Each primary segment is matched
// against the best unused voice-track segment; matched segments either get
// the voice text (high confidence) or keep their own (low confidence).
// Unmatched segments pass through untouched. Overlap flags are recomputed on
// the result.
func (m *Merger) Merge(primary, voice []types.Segment) ([]types.Segment, Stats) {
	out := types.CloneSegments(primary)
	stats := Stats{
		PrimarySegments: len(primary),
		VoiceSegments:   len(voice),
	}

	used := make([]bool, len(voice))
	for i := range out {
		best := -1
		bestScore := 0.0
		for j := range voice {
			if used[j] {
				continue
			}
			score, ok := candidateScore(out[i], voice[j])
			if ok && score > bestScore {
				best, bestScore = j, score
			}
		}
		if best < 0 {
			continue
		}
		used[best] = true
		v := voice[best]
		out[i].TrackSpeaker = v.TrackSpeaker

		if shouldReplace(out[i], v) {
			out[i].Text = v.Text
			out[i].Source = types.SourceVoiceEnhanced
			out[i].MergeConfidence = types.MergeHigh
			stats.Enhanced++
		} else {
			out[i].Source = types.SourcePrimary
			out[i].MergeConfidence = types.MergeLow
			stats.LowConfidence++
		}
	}

	for _, u := range used {
		if !u {
			stats.UnmatchedVoice++
		}
	}

	segment.MarkOverlapFlags(out)
	m.log.Debug("merge complete",
		"primary", stats.PrimarySegments,
		"voice", stats.VoiceSegments,
		"enhanced", stats.Enhanced,
		"lowConfidence", stats.LowConfidence)
	return out, stats
}

// candidateScore applies the pairing guards and returns overlap x similarity
// for ranking. A zero score with ok=true is impossible: every guard implies a
// positive factor.
func candidateScore(p, v types.Segment) (float64, bool) {
	if p.Speaker != v.Speaker {
		return 0, false
	}
	overlap := segment.OverlapSeconds(p.Start, p.End, v.Start, v.End)
	if overlap < minOverlap {
		return 0, false
	}
	if math.Abs(segment.Midpoint(p)-segment.Midpoint(v)) > maxMidDistance {
		return 0, false
	}
	sim := segment.JaccardSimilarity(p.Text, v.Text)
	if sim < minSimilarity {
		return 0, false
	}
	return overlap * sim, true
}

// shouldReplace decides whether the voice text actually supersedes the
// primary text. Replacement demands near-identical wording and comparable
// length so a clipped stem transcription cannot truncate a good primary one.
func shouldReplace(p, v types.Segment) bool {
	if segment.JaccardSimilarity(p.Text, v.Text) < replaceSimilarity {
		return false
	}
	pl := len(strings.TrimSpace(p.Text))
	vl := len(strings.TrimSpace(v.Text))
	return float64(vl) >= replaceLengthRatio*float64(pl)
}
