// Package groundtruth scores pipeline output against a reference transcript.
//
// The metric is deliberately crude: a word-bag recall that ignores order,
// casing, and punctuation. It cannot judge attribution quality, but it moves
// in the right direction when the pipeline drops or hallucinates words, which
// is what the side-by-side comparison with the raw ASR baseline is for.
package groundtruth

import (
	"regexp"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
)

// speakerPrefix matches "Speaker1:" style prefixes in reference transcripts.
var speakerPrefix = regexp.MustCompile(`(?mi)^\s*speaker\s*\d*\s*:`)

// Score is the word-bag recall of one candidate transcript.
type Score struct {
	// MatchPercent is matched / total reference words, in percent.
	MatchPercent float64 `json:"matchPercent"`

	// Matched counts reference words the candidate also contains, each
	// reference occurrence matched at most once.
	Matched int `json:"matched"`

	// Unmatched counts reference words the candidate missed.
	Unmatched int `json:"unmatched"`

	// Total is the reference word count.
	Total int `json:"total"`

	// Extra counts candidate words left over after matching: likely
	// hallucinations or crosstalk imports.
	Extra int `json:"extra"`
}

// Report compares the refined pipeline output and the raw ASR baseline
// against the same reference.
type Report struct {
	Refined    *Score     `json:"nextLevel"`
	Baseline   *Score     `json:"speechmatics"`
	Comparison Comparison `json:"comparison"`
}

// Comparison summarises which candidate matched the reference better.
type Comparison struct {
	RefinedBetter bool    `json:"nextLevelBetter"`
	Improvement   float64 `json:"improvement"`
}

// ScoreWords computes the word-bag recall of candidate words against a
// reference transcript. "SpeakerN:" prefixes in the reference are stripped
// before tokenizing.
func ScoreWords(candidate []string, reference string) *Score {
	reference = speakerPrefix.ReplaceAllString(reference, " ")
	refWords := segment.TokenizeWords(reference)
	candCounts := wordCounts(candidate)

	matched := 0
	for _, w := range refWords {
		if candCounts[w] > 0 {
			candCounts[w]--
			matched++
		}
	}
	extra := 0
	for _, n := range candCounts {
		extra += n
	}

	s := &Score{
		Matched:   matched,
		Unmatched: len(refWords) - matched,
		Total:     len(refWords),
		Extra:     extra,
	}
	if s.Total > 0 {
		s.MatchPercent = 100 * float64(matched) / float64(s.Total)
	}
	return s
}

// ScoreText is ScoreWords over a free-text candidate.
func ScoreText(candidate, reference string) *Score {
	return ScoreWords(segment.TokenizeWords(candidate), reference)
}

// Compare scores the final table words and the raw ASR text against the same
// reference. baselineText may be empty, in which case Baseline is nil.
func Compare(finalWords []string, baselineText, reference string) *Report {
	r := &Report{Refined: ScoreWords(finalWords, reference)}
	if strings.TrimSpace(baselineText) != "" {
		r.Baseline = ScoreText(baselineText, reference)
		r.Comparison.Improvement = r.Refined.MatchPercent - r.Baseline.MatchPercent
		r.Comparison.RefinedBetter = r.Comparison.Improvement > 0
	}
	return r
}

func wordCounts(words []string) map[string]int {
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	return counts
}
