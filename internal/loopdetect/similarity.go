package loopdetect

import "strings"

// similarity scores two commands in [0,1] using the Ratcliff-Obershelp
// ratio: twice the matched character count over the combined length.
// Whitespace runs are collapsed first so formatting differences do not
// count against the score.
func similarity(cmd1, cmd2 string) float64 {
	a := []rune(strings.Join(strings.Fields(cmd1), " "))
	b := []rune(strings.Join(strings.Fields(cmd2), " "))

	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchedRunes(a, b)) / float64(total)
}

// matchedRunes counts runes covered by matching blocks: the longest
// common substring, then recursively the regions to its left and
// right. Ties go to the earliest match.
func matchedRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	bestA, bestB, bestLen := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestLen {
					bestLen = cur[j]
					bestA = i - cur[j]
					bestB = j - cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}

	if bestLen == 0 {
		return 0
	}
	return bestLen +
		matchedRunes(a[:bestA], b[:bestB]) +
		matchedRunes(a[bestA+bestLen:], b[bestB+bestLen:])
}
