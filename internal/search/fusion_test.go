package search

import (
	"testing"

	"github.com/kugutsushi/kugutsushi-search/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func locatorFor(pages map[store.DocID][2]interface{}) func(store.DocID) (string, uint32, bool) {
	return func(id store.DocID) (string, uint32, bool) {
		v, ok := pages[id]
		if !ok {
			return "", 0, false
		}
		return v[0].(string), v[1].(uint32), true
	}
}

func TestFuseGroupsByFileAndPage(t *testing.T) {
	f := NewRRFFusion()
	locate := locatorFor(map[store.DocID][2]interface{}{
		0: {"a.pdf", uint32(0)},
		1: {"a.pdf", uint32(0)}, // same page, different doc id (e.g. a second chunk)
	})

	bm25 := []store.BM25Result{{DocID: 0, Score: 5.0}}
	vec := []store.VectorResult{{DocID: 1, Score: 0.9}}

	results := f.Fuse(bm25, vec, locate)
	require.Len(t, results, 1)
	assert.True(t, results[0].InBothLists)
}

func TestFuseRanksBothListsAboveSingleList(t *testing.T) {
	f := NewRRFFusion()
	locate := locatorFor(map[store.DocID][2]interface{}{
		0: {"a.pdf", uint32(0)},
		1: {"b.pdf", uint32(0)},
	})

	bm25 := []store.BM25Result{{DocID: 0, Score: 1.0}, {DocID: 1, Score: 0.9}}
	vec := []store.VectorResult{{DocID: 0, Score: 0.5}}

	results := f.Fuse(bm25, vec, locate)
	require.Len(t, results, 2)
	assert.Equal(t, "a.pdf", results[0].File)
	assert.True(t, results[0].InBothLists)
}

func TestFuseDropsUnresolvableDocIDs(t *testing.T) {
	f := NewRRFFusion()
	locate := func(store.DocID) (string, uint32, bool) { return "", 0, false }

	results := f.Fuse([]store.BM25Result{{DocID: 0, Score: 1}}, nil, locate)
	assert.Empty(t, results)
}

func TestFuseEmptyInputsReturnsEmptySlice(t *testing.T) {
	f := NewRRFFusion()
	results := f.Fuse(nil, nil, func(store.DocID) (string, uint32, bool) { return "", 0, false })
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestNormalizeRRFScalesTopToOne(t *testing.T) {
	results := []*FusedResult{{RRFScore: 0.02}, {RRFScore: 0.01}}
	NormalizeRRF(results)
	assert.Equal(t, 1.0, results[0].RRFScore)
	assert.Equal(t, 0.5, results[1].RRFScore)
}

func TestFuseDeterministicTieBreakByFileThenPage(t *testing.T) {
	f := NewRRFFusion()
	locate := locatorFor(map[store.DocID][2]interface{}{
		0: {"b.pdf", uint32(0)},
		1: {"a.pdf", uint32(0)},
	})
	// Each page is rank 0 in one list and rank 1 in the other, with equal
	// BM25 scores, so RRF score, in-both-lists and BM25 score all tie.
	bm25 := []store.BM25Result{{DocID: 0, Score: 1}, {DocID: 1, Score: 1}}
	vec := []store.VectorResult{{DocID: 1, Score: 0.9}, {DocID: 0, Score: 0.9}}

	results := f.Fuse(bm25, vec, locate)
	require.Len(t, results, 2)
	assert.Equal(t, "a.pdf", results[0].File)
}
