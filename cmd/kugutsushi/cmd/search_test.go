package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kugutsushi/kugutsushi-search/internal/search"
)

func TestPrintResultsNoResults(t *testing.T) {
	var buf bytes.Buffer
	root := newTestCmdForOutput(&buf)

	err := printResults(root, "何もない", nil)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "No results")
}

func TestPrintResultsTruncatesLongSnippets(t *testing.T) {
	var buf bytes.Buffer
	root := newTestCmdForOutput(&buf)

	longText := make([]byte, 300)
	for i := range longText {
		longText[i] = 'a'
	}
	results := []*search.SearchResult{
		{File: "doc.pdf", Page: 0, Text: string(longText), Score: 0.9},
	}

	err := printResults(root, "query", results)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "doc.pdf page 1")
	assert.Contains(t, buf.String(), "...")
}
