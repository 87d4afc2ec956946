package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeLatinRun(t *testing.T) {
	tokens := Tokenize("Hello World")
	assert.Contains(t, tokens, "hello")
	assert.Contains(t, tokens, "he")
	assert.Contains(t, tokens, "lo")
	assert.Contains(t, tokens, "world")
}

func TestTokenizeJapaneseRun(t *testing.T) {
	tokens := Tokenize("機械学習")
	assert.Contains(t, tokens, "機械学習")
	assert.Contains(t, tokens, "機械")
	assert.Contains(t, tokens, "械学")
	assert.Contains(t, tokens, "学習")
}

func TestTokenizeSingleCharNoBigrams(t *testing.T) {
	tokens := Tokenize("a")
	assert.Equal(t, []string{"a"}, tokens)
}

func TestTokenizeMixedHiraganaKatakana(t *testing.T) {
	tokens := Tokenize("コンピュータがひらがなを読む")
	assert.NotEmpty(t, tokens)
	assert.Contains(t, tokens, "が")
}

func TestTermFrequenciesSaturates(t *testing.T) {
	text := ""
	for i := 0; i < 70000; i++ {
		text += "x "
	}
	freqs := TermFrequencies(text)
	assert.Equal(t, uint16(MaxTermFrequency), freqs["x"])
}

func TestTermFrequenciesCounts(t *testing.T) {
	freqs := TermFrequencies("apple apple banana")
	assert.Equal(t, uint16(2), freqs["apple"])
	assert.Equal(t, uint16(1), freqs["banana"])
}
