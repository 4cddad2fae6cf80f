// Package tokenutil estimates token counts for text a worker never
// reported usage for.
package tokenutil

import "unicode"

// Prose averages about 1.33 tokens per word; code and non-Latin text are
// closer to one token per four bytes. The larger of the two wins.
const (
	tokensPerWord = 1.33
	bytesPerToken = 4
)

// EstimateTokens returns max(words*1.33, bytes/4).
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	byWords := int(float64(countWords(s)) * tokensPerWord)
	byBytes := len(s) / bytesPerToken
	return max(byWords, byBytes)
}

// countWords counts whitespace-separated runs without allocating; it runs
// once per worker output line.
func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// Counter sums estimates over a stream of lines. The zero value is ready to
// use. It is not safe for concurrent use.
type Counter struct {
	total int64
}

func (c *Counter) Add(line string) { c.total += int64(EstimateTokens(line)) }

func (c *Counter) Total() int64 { return c.total }
