// Package review carries human decisions across re-extractions and retires
// dead-lettered protocols: fuzzy-matched decision inheritance onto a new
// batch, and lazy archival on read past the retention cutoff.
package review

import "strings"

// Similarity returns the normalized Levenshtein ratio of two criterion
// texts in [0.0, 1.0]: 1.0 for equal normalized strings, 0.0 for entirely
// disjoint ones. Case and whitespace differences are ignored.
func Similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	distance := levenshtein(na, nb)
	longest := max(len(na), len(nb))
	return 1.0 - float64(distance)/float64(longest)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshtein computes edit distance with the two-row dynamic program.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
