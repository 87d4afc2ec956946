package chunk

import "strings"

const (
	// DefaultChunkSize is the target maximum chunk length in runes.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is how far a hard-sliced oversized sentence's
	// window advances short of ChunkSize, so consecutive windows overlap.
	DefaultChunkOverlap = 50
)

// sentenceTerminators are the rune boundaries a sentence may end on:
// Japanese full stop, Japanese/ASCII period conventions, exclamation,
// question mark, and literal newlines.
const sentenceTerminators = "。．！？\n"

// ChunkText splits text into chunks of at most size runes, preferring to
// break on sentence boundaries and packing sentences greedily. A single
// sentence longer than size is hard-sliced into size-wide windows that
// advance by size-overlap runes. All returned chunks are trimmed and
// non-empty.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	runes := []rune(text)
	if len(runes) <= size {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	sentences := splitSentences(runes)

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
		current.Reset()
		currentLen = 0
	}

	for _, sentence := range sentences {
		sentenceLen := len([]rune(sentence))

		if sentenceLen > size {
			flush()
			chunks = append(chunks, hardSlice(sentence, size, overlap)...)
			continue
		}

		if currentLen+sentenceLen > size && currentLen > 0 {
			flush()
		}
		current.WriteString(sentence)
		currentLen += sentenceLen
	}
	flush()

	return chunks
}

// splitSentences breaks runes into sentences, keeping each terminator with
// the sentence it ends.
func splitSentences(runes []rune) []string {
	var sentences []string
	var current strings.Builder

	isTerminator := func(r rune) bool {
		return strings.ContainsRune(sentenceTerminators, r)
	}

	for _, r := range runes {
		current.WriteRune(r)
		if isTerminator(r) {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

// hardSlice splits an oversized sentence into size-wide rune windows that
// advance by size-overlap runes.
func hardSlice(sentence string, size, overlap int) []string {
	runes := []rune(sentence)
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var windows []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		trimmed := strings.TrimSpace(string(runes[start:end]))
		if trimmed != "" {
			windows = append(windows, trimmed)
		}
		if end == len(runes) {
			break
		}
	}
	return windows
}
