// Package segment provides the pure, deterministic utilities shared by every
// pipeline stage: speaker-label and text normalisation, token similarity,
// pause detection, overlap flagging, and the Markdown dialogue table model.
//
// Nothing in this package performs I/O or blocks; these helpers are safe to
// call from any goroutine.
package segment

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// speakerDigits extracts the trailing digit run from an engine label.
var speakerDigits = regexp.MustCompile(`(\d+)\s*$`)

// NormalizeSpeaker maps an arbitrary engine speaker label to the canonical
// SPEAKER_NN form. The last two digits of the label are kept; labels without
// digits fall back to the given index. The function is idempotent:
// NormalizeSpeaker(NormalizeSpeaker(x, i), i) == NormalizeSpeaker(x, i).
func NormalizeSpeaker(label string, fallbackIndex int) string {
	m := speakerDigits.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return fmt.Sprintf("SPEAKER_%02d", fallbackIndex)
	}
	digits := m[1]
	if len(digits) > 2 {
		digits = digits[len(digits)-2:]
	}
	var n int
	fmt.Sscanf(digits, "%d", &n)
	return fmt.Sprintf("SPEAKER_%02d", n)
}

// punctuation matches anything that is not a letter, digit, or whitespace.
var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// whitespaceRun matches runs of whitespace for collapsing.
var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeText lowercases s, strips punctuation, and collapses whitespace.
// Used for similarity comparison, never for display.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	s = punctuation.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TokenizeWords splits s into normalised word tokens with punctuation removed.
func TokenizeWords(s string) []string {
	n := NormalizeText(s)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}

// fillerWords is the fixed set of hesitation sounds removed from display text.
var fillerWords = map[string]bool{
	"uh": true, "um": true, "ah": true, "er": true,
	"eh": true, "hmm": true, "hm": true,
}

// fillerPattern matches a filler as a whole word, case-insensitive, together
// with one adjacent separator so the surrounding text re-joins cleanly.
var fillerPattern = regexp.MustCompile(`(?i)\b(?:uh|um|ah|er|eh|hmm|hm)\b[,.]?\s*`)

// RemoveFillerWords strips hesitation sounds (uh, um, ah, er, eh, hmm, hm)
// from s, whole-word and case-insensitive. Idempotent.
func RemoveFillerWords(s string) string {
	out := fillerPattern.ReplaceAllString(s, "")
	out = whitespaceRun.ReplaceAllString(out, " ")
	// A filler at the end of a sentence leaves a dangling space before the
	// closing punctuation.
	out = strings.ReplaceAll(out, " .", ".")
	out = strings.ReplaceAll(out, " ,", ",")
	out = strings.ReplaceAll(out, " ?", "?")
	return strings.TrimSpace(out)
}

// IsFillerWord reports whether the normalised token w is a known filler.
func IsFillerWord(w string) bool {
	return fillerWords[strings.ToLower(w)]
}

// Sanitize fills defaults and repairs a raw engine segment: it clamps
// End >= Start, sorts the word list by start time, and normalises the speaker
// label using fallbackIndex when the label carries no digits.
func Sanitize(raw types.Segment, fallbackIndex int) types.Segment {
	s := raw
	s.Speaker = NormalizeSpeaker(s.Speaker, fallbackIndex)
	if s.End < s.Start {
		s.End = s.Start
	}
	if len(s.Words) > 1 {
		sorted := make([]types.Word, len(s.Words))
		copy(sorted, s.Words)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		s.Words = sorted
	}
	for i := range s.Words {
		if s.Words[i].End < s.Words[i].Start {
			s.Words[i].End = s.Words[i].Start
		}
	}
	if s.Source == "" {
		s.Source = types.SourcePrimary
	}
	s.Text = strings.TrimSpace(s.Text)
	return s
}

// SortChronological sorts segments by start time (stable, ties keep order).
func SortChronological(segs []types.Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
}

// JoinText concatenates segment texts with single spaces, skipping empties.
func JoinText(segs []types.Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
