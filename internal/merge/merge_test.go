package merge

import (
	"testing"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

func TestMergeReplacesHighConfidenceMatch(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "I want to cancel my subscription please", Start: 0, End: 4},
	}
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", TrackSpeaker: "SPEAKER_00", Source: types.SourceVoiceTrack,
			Text: "I want to cancel my subscription please today", Start: 0.2, End: 4.1},
	}

	out, stats := New(nil).Merge(primary, voice)
	if len(out) != 1 {
		t.Fatalf("segments = %d, want 1", len(out))
	}
	got := out[0]
	if got.Text != voice[0].Text {
		t.Errorf("text = %q, want voice text", got.Text)
	}
	if got.Source != types.SourceVoiceEnhanced || got.MergeConfidence != types.MergeHigh {
		t.Errorf("source/confidence = %q/%q", got.Source, got.MergeConfidence)
	}
	if got.Start != 0 || got.End != 4 || got.Speaker != "SPEAKER_00" {
		t.Errorf("bounds or speaker changed: %+v", got)
	}
	if stats.Enhanced != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMergeKeepsPrimaryTextOnWeakMatch(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "the quick brown fox jumps over the lazy dog", Start: 0, End: 4},
	}
	// Shares enough tokens to pair but not enough to justify replacement.
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", TrackSpeaker: "SPEAKER_00",
			Text: "quick brown fox", Start: 0.5, End: 3.5},
	}

	out, stats := New(nil).Merge(primary, voice)
	if out[0].Text != primary[0].Text {
		t.Errorf("text = %q, want primary text kept", out[0].Text)
	}
	if out[0].Source != types.SourcePrimary || out[0].MergeConfidence != types.MergeLow {
		t.Errorf("source/confidence = %q/%q", out[0].Source, out[0].MergeConfidence)
	}
	if stats.LowConfidence != 1 || stats.Enhanced != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMergeGuardRejections(t *testing.T) {
	base := types.Segment{Speaker: "SPEAKER_00", Text: "hello there general kenobi", Start: 10, End: 14}
	tests := []struct {
		name  string
		voice types.Segment
	}{
		{"different speaker", types.Segment{Speaker: "SPEAKER_01", Text: "hello there general kenobi", Start: 10, End: 14}},
		{"no time overlap", types.Segment{Speaker: "SPEAKER_00", Text: "hello there general kenobi", Start: 20, End: 24}},
		{"midpoints too far", types.Segment{Speaker: "SPEAKER_00", Text: "hello there general kenobi", Start: 12, End: 26}},
		{"dissimilar text", types.Segment{Speaker: "SPEAKER_00", Text: "completely unrelated words entirely", Start: 10, End: 14}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, stats := New(nil).Merge([]types.Segment{base}, []types.Segment{tt.voice})
			if out[0].MergeConfidence != "" || out[0].Source == types.SourceVoiceEnhanced {
				t.Fatalf("segment matched despite guard: %+v", out[0])
			}
			if stats.UnmatchedVoice != 1 {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestMergePicksBestScoringCandidate(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "please confirm my delivery address", Start: 0, End: 4},
	}
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "please confirm my delivery", Start: 2.5, End: 5},
		{Speaker: "SPEAKER_00", Text: "please confirm my delivery address now", Start: 0.1, End: 4.2},
	}

	out, _ := New(nil).Merge(primary, voice)
	if out[0].Text != "please confirm my delivery address now" {
		t.Errorf("text = %q, want the higher-overlap candidate", out[0].Text)
	}
}

func TestMergeVoiceSegmentUsedOnce(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "good morning how can I help", Start: 0, End: 3},
		{Speaker: "SPEAKER_00", Text: "good morning how can I help", Start: 3, End: 6},
	}
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "good morning how can I help you", Start: 0, End: 6},
	}

	out, stats := New(nil).Merge(primary, voice)
	matched := 0
	for _, s := range out {
		if s.MergeConfidence != "" {
			matched++
		}
	}
	if matched != 1 {
		t.Errorf("matched = %d, want the voice segment consumed once", matched)
	}
	if stats.Enhanced+stats.LowConfidence != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMergeNeverInsertsVoiceSegments(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "only primary line", Start: 0, End: 2},
	}
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "only primary line", Start: 0, End: 2},
		{Speaker: "SPEAKER_01", Text: "an utterance the primary diarization missed", Start: 5, End: 8},
	}

	out, _ := New(nil).Merge(primary, voice)
	if len(out) != 1 {
		t.Fatalf("segments = %d, voice segments must never be inserted", len(out))
	}
}

func TestMergeMarksOverlapFlags(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "talking at the same", Start: 0, End: 3},
		{Speaker: "SPEAKER_01", Text: "time as the other", Start: 2, End: 5},
	}

	out, _ := New(nil).Merge(primary, nil)
	if !out[0].Overlap || !out[1].Overlap {
		t.Errorf("overlap flags not set: %+v", out)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	primary := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "original", Start: 0, End: 2},
	}
	voice := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "original", Start: 0, End: 2},
	}
	New(nil).Merge(primary, voice)
	if primary[0].Source != "" || primary[0].Overlap {
		t.Fatalf("input mutated: %+v", primary[0])
	}
}
