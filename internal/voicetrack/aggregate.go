// Package voicetrack turns a separated stem's diarization into a single
// coherent voice track.
//
// A stem holds one physical speaker, but engines still report phantom labels
// for residual crosstalk. The aggregator picks the dominant label, relabels
// everything to the stem name, and removes the duplicate utterances the ASR
// recognised twice across label boundaries.
package voicetrack

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const (
	// mainShare is the duration share the dominant label must hold before
	// phantom-label segments are discarded without a warning.
	mainShare = 0.60

	mutualOverlapMin = 0.65
	textSimilarMin   = 0.85
	similarOverlap   = 0.3
	containOverlap   = 0.1
)

// Aggregator builds voice tracks from stem diarizations.
type Aggregator struct {
	log *slog.Logger
}

// New creates an Aggregator.
func New(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{log: log}
}

// Aggregate reduces a stem diarization to the dominant speaker's segments,
// relabelled to stemName and deduplicated. The input is not mutated.
func (a *Aggregator) Aggregate(stemName string, d *types.Diarization, engineKey string) []types.Segment {
	segs := d.Result(engineKey).Segments
	if len(segs) == 0 {
		return nil
	}

	main := a.mainLabel(stemName, segs)

	kept := make([]types.Segment, 0, len(segs))
	for _, s := range segs {
		if s.Speaker != main {
			continue
		}
		c := s.Clone()
		c.Speaker = stemName
		c.TrackSpeaker = stemName
		c.Source = types.SourceVoiceTrack
		kept = append(kept, c)
	}
	segment.SortChronological(kept)
	return dedupe(kept)
}

// mainLabel picks the label carrying the most speech. Below the dominance
// threshold the largest bucket still wins, with a warning, because a stem has
// exactly one real speaker by construction.
func (a *Aggregator) mainLabel(stemName string, segs []types.Segment) string {
	durations := map[string]float64{}
	var total float64
	for _, s := range segs {
		d := segment.Duration(s)
		durations[s.Speaker] += d
		total += d
	}

	labels := make([]string, 0, len(durations))
	for l := range durations {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if durations[labels[i]] != durations[labels[j]] {
			return durations[labels[i]] > durations[labels[j]]
		}
		return labels[i] < labels[j]
	})

	main := labels[0]
	if total > 0 && durations[main]/total < mainShare {
		a.log.Warn("no dominant speaker in stem, keeping largest bucket",
			"stem", stemName,
			"label", main,
			"share", durations[main]/total,
			"labels", len(labels))
	}
	return main
}

// dedupe removes utterances the engine recognised twice. Two segments are
// duplicates when they mutually overlap by more than 65%, when their texts
// match closely and they overlap at all, or when one text contains the other
// and the times touch. The segment with the longer text survives.
func dedupe(segs []types.Segment) []types.Segment {
	dropped := make([]bool, len(segs))
	for i := range segs {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(segs); j++ {
			if dropped[j] {
				continue
			}
			if segs[j].Start > segs[i].End {
				break
			}
			if !isDuplicate(segs[i], segs[j]) {
				continue
			}
			if len(strings.TrimSpace(segs[j].Text)) > len(strings.TrimSpace(segs[i].Text)) {
				dropped[i] = true
			} else {
				dropped[j] = true
			}
			if dropped[i] {
				break
			}
		}
	}

	out := make([]types.Segment, 0, len(segs))
	for i, s := range segs {
		if !dropped[i] {
			out = append(out, s)
		}
	}
	return out
}

func isDuplicate(a, b types.Segment) bool {
	overlap := segment.OverlapSeconds(a.Start, a.End, b.Start, b.End)
	fracA, fracB := segment.OverlapFraction(a, b)

	if fracA > mutualOverlapMin && fracB > mutualOverlapMin {
		return true
	}
	if overlap > similarOverlap &&
		segment.JaccardSimilarity(a.Text, b.Text) >= textSimilarMin &&
		segment.LevenshteinRatio(a.Text, b.Text) >= textSimilarMin {
		return true
	}
	if overlap > containOverlap && segment.ContainsNormalized(a.Text, b.Text) {
		return true
	}
	return false
}
