package segment

import "github.com/mykolastupakov-spsoft/crosstalk/pkg/types"

// PauseConfig tunes pause detection thresholds, all in seconds.
type PauseConfig struct {
	// InterThreshold is the minimum gap between consecutive segments that is
	// recorded as a pause before the later segment. Default: 0.3.
	InterThreshold float64

	// IntraThreshold is the minimum gap between consecutive words inside a
	// segment that is recorded as an intra-segment pause. Default: 0.5.
	IntraThreshold float64

	// LongPause is the gap length at which a segment is flagged as the start
	// of a new conversational turn. Default: 1.0.
	LongPause float64
}

// DefaultPauseConfig returns the standard thresholds.
func DefaultPauseConfig() PauseConfig {
	return PauseConfig{InterThreshold: 0.3, IntraThreshold: 0.5, LongPause: 1.0}
}

// DetectPauses annotates segs in place with PauseBefore, intra-segment Pauses
// (for segments carrying word-level timings), and IsReplicaBoundary flags.
// Segments must already be in chronological order.
func DetectPauses(segs []types.Segment, cfg PauseConfig) {
	if cfg.InterThreshold <= 0 {
		cfg.InterThreshold = 0.3
	}
	if cfg.IntraThreshold <= 0 {
		cfg.IntraThreshold = 0.5
	}
	if cfg.LongPause <= 0 {
		cfg.LongPause = 1.0
	}

	for i := range segs {
		seg := &segs[i]
		seg.PauseBefore = 0
		seg.IsReplicaBoundary = false
		seg.Pauses = nil

		if i > 0 {
			gap := seg.Start - segs[i-1].End
			if gap >= cfg.InterThreshold {
				seg.PauseBefore = gap
			}
			if gap >= cfg.LongPause {
				seg.IsReplicaBoundary = true
			}
		}

		for w := 1; w < len(seg.Words); w++ {
			gap := seg.Words[w].Start - seg.Words[w-1].End
			if gap >= cfg.IntraThreshold {
				seg.Pauses = append(seg.Pauses, types.Pause{
					Start:    seg.Words[w-1].End,
					End:      seg.Words[w].Start,
					Duration: gap,
				})
			}
		}
	}
}
