package segment

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// JaccardSimilarity returns the Jaccard index of the normalised token sets of
// a and b, in [0, 1]. Two empty texts are identical (1); one empty text is
// fully dissimilar (0).
func JaccardSimilarity(a, b string) float64 {
	ta, tb := TokenizeWords(a), TokenizeWords(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(ta))
	for _, t := range ta {
		setA[t] = true
	}
	setB := make(map[string]bool, len(tb))
	for _, t := range tb {
		setB[t] = true
	}

	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// LevenshteinRatio returns a normalised edit-distance similarity of the
// normalised forms of a and b: 1 - distance/maxLen, in [0, 1].
func LevenshteinRatio(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" && nb == "" {
		return 1
	}
	maxLen := len(na)
	if len(nb) > maxLen {
		maxLen = len(nb)
	}
	if maxLen == 0 {
		return 1
	}
	d := matchr.Levenshtein(na, nb)
	r := 1 - float64(d)/float64(maxLen)
	if r < 0 {
		return 0
	}
	return r
}

// ContainsNormalized reports whether the normalised form of one text contains
// the other (in either direction).
func ContainsNormalized(a, b string) bool {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// RangesOverlap reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect.
func RangesOverlap(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd && bStart < aEnd
}

// OverlapSeconds returns the length of the intersection of the two intervals,
// or 0 when they do not overlap.
func OverlapSeconds(aStart, aEnd, bStart, bEnd float64) float64 {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Midpoint returns the temporal midpoint of seg.
func Midpoint(seg types.Segment) float64 {
	return (seg.Start + seg.End) / 2
}

// Duration returns the length of seg in seconds (never negative).
func Duration(seg types.Segment) float64 {
	if seg.End <= seg.Start {
		return 0
	}
	return seg.End - seg.Start
}

// OverlapFraction returns how much of each segment the intersection covers:
// the returned pair is (share of a, share of b). Zero-length segments report 0.
func OverlapFraction(a, b types.Segment) (float64, float64) {
	ov := OverlapSeconds(a.Start, a.End, b.Start, b.End)
	if ov == 0 {
		return 0, 0
	}
	fa, fb := 0.0, 0.0
	if d := Duration(a); d > 0 {
		fa = ov / d
	}
	if d := Duration(b); d > 0 {
		fb = ov / d
	}
	return fa, fb
}

// MarkOverlapFlags sets Overlap=true on every pair of segments with different
// speakers and intersecting time ranges. Quadratic but bounded: recordings top
// out at a few hundred segments.
func MarkOverlapFlags(segs []types.Segment) {
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			if segs[i].Speaker == segs[j].Speaker {
				continue
			}
			if RangesOverlap(segs[i].Start, segs[i].End, segs[j].Start, segs[j].End) {
				segs[i].Overlap = true
				segs[j].Overlap = true
			}
		}
	}
}
