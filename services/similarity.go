package services

import (
	"math"
	"strings"
)

// NameSimilarity scores two normalised names in [0,1]. It is the better of
// the rune-level edit similarity of the joined tokens and the token Jaccard
// index, so reordered words ("tomatoes organic") still score high.
func NameSimilarity(a, b string) float64 {
	at := strings.Fields(a)
	bt := strings.Fields(b)
	aNorm := strings.Join(at, "")
	bNorm := strings.Join(bt, "")
	if aNorm == "" && bNorm == "" {
		return 1
	}
	seq := levenshteinSimilarity(aNorm, bNorm)

	aSet := make(map[string]struct{}, len(at))
	bSet := make(map[string]struct{}, len(bt))
	for _, t := range at {
		aSet[t] = struct{}{}
	}
	for _, t := range bt {
		bSet[t] = struct{}{}
	}
	var jacc float64
	if len(aSet) > 0 && len(bSet) > 0 {
		inter := 0
		for t := range aSet {
			if _, ok := bSet[t]; ok {
				inter++
			}
		}
		jacc = float64(inter) / float64(len(aSet)+len(bSet)-inter)
	}
	return math.Max(seq, jacc)
}

func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	dist := levenshteinDistance(a, b)
	denom := max(len([]rune(a)), len([]rune(b)))
	return math.Max(0, 1-float64(dist)/float64(denom))
}

func levenshteinDistance(a, b string) int {
	ar := []rune(a)
	br := []rune(b)
	if len(ar) < len(br) {
		ar, br = br, ar
	}
	if len(br) == 0 {
		return len(ar)
	}
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range ar {
		curr[0] = i + 1
		for j, cb := range br {
			sub := prev[j]
			if ca != cb {
				sub++
			}
			curr[j+1] = min(curr[j]+1, prev[j+1]+1, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(br)]
}
