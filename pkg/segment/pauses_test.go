package segment

import (
	"testing"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

func TestDetectPauses(t *testing.T) {
	segs := []types.Segment{
		{Speaker: "SPEAKER_00", Start: 0, End: 2, Words: []types.Word{
			{Text: "hello", Start: 0, End: 0.4},
			{Text: "there", Start: 1.2, End: 1.6}, // 0.8s intra gap
		}},
		{Speaker: "SPEAKER_01", Start: 2.1, End: 3}, // 0.1s gap, below threshold
		{Speaker: "SPEAKER_00", Start: 3.5, End: 4}, // 0.5s gap, recorded
		{Speaker: "SPEAKER_01", Start: 6, End: 7},   // 2s gap, replica boundary
	}
	DetectPauses(segs, DefaultPauseConfig())

	if segs[0].PauseBefore != 0 || segs[0].IsReplicaBoundary {
		t.Errorf("first segment must carry no pause: %+v", segs[0])
	}
	if len(segs[0].Pauses) != 1 {
		t.Fatalf("intra pauses = %d, want 1", len(segs[0].Pauses))
	}
	if p := segs[0].Pauses[0]; p.Start != 0.4 || p.End != 1.2 {
		t.Errorf("intra pause = %+v, want [0.4, 1.2]", p)
	}

	if segs[1].PauseBefore != 0 {
		t.Errorf("gap below threshold recorded: %v", segs[1].PauseBefore)
	}
	if segs[2].PauseBefore != 0.5 {
		t.Errorf("PauseBefore = %v, want 0.5", segs[2].PauseBefore)
	}
	if segs[2].IsReplicaBoundary {
		t.Error("0.5s gap flagged as replica boundary")
	}
	if !segs[3].IsReplicaBoundary || segs[3].PauseBefore != 2 {
		t.Errorf("long gap not flagged: %+v", segs[3])
	}
}

func TestDetectPausesResetsStaleAnnotations(t *testing.T) {
	segs := []types.Segment{
		{Start: 0, End: 1, PauseBefore: 9, IsReplicaBoundary: true, Pauses: []types.Pause{{Duration: 9}}},
		{Start: 1.05, End: 2, PauseBefore: 9},
	}
	DetectPauses(segs, DefaultPauseConfig())
	if segs[0].PauseBefore != 0 || segs[0].IsReplicaBoundary || segs[0].Pauses != nil {
		t.Errorf("stale annotations survived: %+v", segs[0])
	}
	if segs[1].PauseBefore != 0 {
		t.Errorf("sub-threshold gap recorded: %v", segs[1].PauseBefore)
	}
}
