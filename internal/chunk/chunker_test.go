package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextShortReturnsOneChunk(t *testing.T) {
	chunks := ChunkText("短い文章です。", 500, 50)
	require.Len(t, chunks, 1)
	assert.Equal(t, "短い文章です。", chunks[0])
}

func TestChunkTextSplitsOnSentenceBoundaries(t *testing.T) {
	sentence := strings.Repeat("あ", 100) + "。"
	text := strings.Repeat(sentence, 10) // 1010 runes, size=500
	chunks := ChunkText(text, 500, 50)
	require.True(t, len(chunks) >= 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 500)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestChunkTextHardSlicesOversizedSentence(t *testing.T) {
	// One sentence with no terminator longer than size.
	text := strings.Repeat("x", 1200)
	chunks := ChunkText(text, 500, 50)
	require.True(t, len(chunks) >= 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 500)
	}
}

func TestChunkTextAllChunksTrimmedAndNonEmpty(t *testing.T) {
	text := "  最初の文。\n\n次の文！  三つ目？" + strings.Repeat("埋め合わせ文章です。", 60)
	chunks := ChunkText(text, 500, 50)
	for _, c := range chunks {
		assert.Equal(t, strings.TrimSpace(c), c)
		assert.NotEmpty(t, c)
	}
}

func TestChunkTextEmptyReturnsNil(t *testing.T) {
	assert.Empty(t, ChunkText("", 500, 50))
	assert.Empty(t, ChunkText("   ", 500, 50))
}
