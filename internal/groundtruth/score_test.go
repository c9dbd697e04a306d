package groundtruth

import (
	"math"
	"testing"
)

func TestScoreTextPerfectMatch(t *testing.T) {
	s := ScoreText("Hello, how are you?", "hello how are you")
	if s.Matched != 4 || s.Total != 4 || s.MatchPercent != 100 || s.Unmatched != 0 || s.Extra != 0 {
		t.Fatalf("score = %+v", s)
	}
}

func TestScoreTextPartial(t *testing.T) {
	s := ScoreText("hello world", "hello there big world today")
	if s.Matched != 2 || s.Total != 5 || s.Unmatched != 3 {
		t.Fatalf("score = %+v", s)
	}
	if math.Abs(s.MatchPercent-40) > 1e-9 {
		t.Fatalf("percent = %v, want 40", s.MatchPercent)
	}
}

func TestScoreTextExtraWords(t *testing.T) {
	s := ScoreText("hello strange hallucinated words", "hello")
	if s.Matched != 1 || s.Extra != 3 {
		t.Fatalf("score = %+v", s)
	}
}

func TestScoreTextRepeatedWordsNotInflated(t *testing.T) {
	// The candidate says "yes" once; the reference has it three times.
	s := ScoreText("yes", "yes yes yes")
	if s.Matched != 1 || s.Unmatched != 2 {
		t.Fatalf("score = %+v", s)
	}
	// And the other way round: repeating a word cannot raise recall.
	s = ScoreText("yes yes yes", "yes no")
	if s.Matched != 1 || s.Extra != 2 {
		t.Fatalf("score = %+v", s)
	}
}

func TestScoreTextStripsSpeakerPrefixes(t *testing.T) {
	ref := "Speaker1: hello there\nSpeaker2: general kenobi"
	s := ScoreText("hello there general kenobi", ref)
	if s.Total != 4 || s.Matched != 4 {
		t.Fatalf("score = %+v, speaker prefixes must not count as words", s)
	}
}

func TestScoreTextEmptyReference(t *testing.T) {
	s := ScoreText("anything", "")
	if s.Total != 0 || s.MatchPercent != 0 {
		t.Fatalf("score = %+v", s)
	}
}

func TestCompare(t *testing.T) {
	ref := "the customer asked about the refund policy"
	final := []string{"the", "customer", "asked", "about", "the", "refund", "policy"}
	baseline := "the customer asked about the phone"

	r := Compare(final, baseline, ref)
	if r.Refined.MatchPercent != 100 {
		t.Errorf("refined = %+v", r.Refined)
	}
	if r.Baseline == nil || r.Baseline.MatchPercent >= 100 {
		t.Errorf("baseline = %+v", r.Baseline)
	}
	if !r.Comparison.RefinedBetter || r.Comparison.Improvement <= 0 {
		t.Errorf("comparison = %+v", r.Comparison)
	}
}

func TestCompareWithoutBaseline(t *testing.T) {
	r := Compare([]string{"hello"}, "", "hello")
	if r.Baseline != nil {
		t.Fatalf("baseline = %+v, want nil", r.Baseline)
	}
	if r.Comparison.RefinedBetter || r.Comparison.Improvement != 0 {
		t.Fatalf("comparison = %+v", r.Comparison)
	}
}
