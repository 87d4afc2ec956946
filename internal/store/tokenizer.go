package store

import (
	"regexp"
	"strings"
)

// tokenRunRegex matches runs of word characters, Hiragana, Katakana, or CJK
// Unified Ideographs. Japanese text has no whitespace between words, so a
// naive split on spaces/punctuation alone would merge unrelated sentences
// into a single token; bigram expansion (below) recovers enough substring
// structure for BM25 to find partial matches within a run.
var tokenRunRegex = regexp.MustCompile(`[\w\x{3040}-\x{309f}\x{30a0}-\x{30ff}\x{4e00}-\x{9fff}]+`)

// MaxTermFrequency is the saturation point for a posting's term-frequency
// field (uint16).
const MaxTermFrequency = 65535

// Tokenize lowercases text, extracts word/Hiragana/Katakana/CJK runs, and
// emits each run plus all of its adjacent character bigrams (for runs of at
// least two characters). A run of length 1 is emitted as-is with no bigrams.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	runs := tokenRunRegex.FindAllString(lower, -1)

	tokens := make([]string, 0, len(runs)*2)
	for _, run := range runs {
		r := []rune(run)
		tokens = append(tokens, run)
		if len(r) < 2 {
			continue
		}
		for i := 0; i+1 < len(r); i++ {
			tokens = append(tokens, string(r[i:i+2]))
		}
	}
	return tokens
}

// TermFrequencies tokenizes text and returns a term -> count map, saturating
// at MaxTermFrequency to match the on-disk posting format's uint16 field.
func TermFrequencies(text string) map[string]uint16 {
	freqs := make(map[string]uint16)
	for _, tok := range Tokenize(text) {
		if freqs[tok] < MaxTermFrequency {
			freqs[tok]++
		}
	}
	return freqs
}
