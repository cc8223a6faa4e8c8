package contextengine

import (
	"math"
	"strings"
)

// estimateTokens implements spec.md §4.8's token estimate: ceil(wordCount *
// 1.3), where a word is any maximal run of non-whitespace.
func estimateTokens(text string) int {
	words := strings.Fields(text)
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// truncateToBudget drops whole words from the tail of text until its
// estimated token count fits budget, returning the truncated text and the
// 1-based line number of the last line it includes any part of. Earlier
// lines are carried through verbatim (newlines intact); only the final,
// partially-included line is rejoined from its words with single spaces.
func truncateToBudget(text string, budget int) (string, int) {
	if estimateTokens(text) <= budget {
		return text, countLines(text)
	}

	lines := strings.Split(text, "\n")
	var words []string
	var lineOf []int
	for i, line := range lines {
		for _, w := range strings.Fields(line) {
			words = append(words, w)
			lineOf = append(lineOf, i)
		}
	}

	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimateTokens(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return "", 0
	}

	lastLine := lineOf[lo-1]
	wordsInLastLine := 0
	for i := 0; i < lo; i++ {
		if lineOf[i] == lastLine {
			wordsInLastLine++
		}
	}

	var b strings.Builder
	for i := 0; i < lastLine; i++ {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	b.WriteString(strings.Join(strings.Fields(lines[lastLine])[:wordsInLastLine], " "))
	return b.String(), lastLine + 1
}
