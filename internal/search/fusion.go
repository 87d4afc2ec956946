// Package search implements hybrid retrieval: dense ANN search and BM25
// lexical search fused by Reciprocal Rank Fusion, optionally refined by a
// cross-encoder reranker.
package search

import (
	"sort"

	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is
// empirically validated across domains (used by Azure AI Search, OpenSearch,
// etc.).
const DefaultRRFConstant = 60

// docKey groups a vector hit and a BM25 hit that refer to the same page.
// A comparable struct, never a hash: two distinct (file, page) pairs must
// never collide into the same fused result.
type docKey struct {
	file string
	page uint32
}

// FusedResult is a single result after RRF fusion across the dense and
// lexical branches.
type FusedResult struct {
	DocID       store.DocID // representative doc id for this (file, page) group
	File        string
	Page        uint32
	RRFScore    float64
	BM25Score   float64
	BM25Rank    int // 1-indexed, 0 if absent from the lexical branch
	VecScore    float32
	VecRank     int // 1-indexed, 0 if absent from the dense branch
	InBothLists bool
}

// RRFFusion combines BM25 and vector search results using Reciprocal Rank
// Fusion.
//
// Algorithm: RRF_score(d) = Σ 1/(k + rank_i + 1)
//
// Where k is a smoothing constant (default 60) and rank_i is the
// zero-indexed position of d in ranked list i.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance with the default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// fuseEntry is the mutable accumulator keyed by docKey during fusion.
type fuseEntry struct {
	result *FusedResult
}

// Fuse combines BM25 and vector results, grouping by (file, page) so that a
// page chunked into multiple dense vectors or multiple lexical postings
// never double-counts under two different document ids. locate resolves a
// DocID to its (file, page) location; results for ids it cannot resolve are
// dropped (they have been superseded by a later commit).
func (f *RRFFusion) Fuse(bm25 []store.BM25Result, vec []store.VectorResult, locate func(store.DocID) (file string, page uint32, ok bool)) []*FusedResult {
	if len(bm25) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	entries := make(map[docKey]*fuseEntry, len(bm25)+len(vec))

	get := func(id store.DocID) (*fuseEntry, bool) {
		file, page, ok := locate(id)
		if !ok {
			return nil, false
		}
		key := docKey{file: file, page: page}
		e, ok := entries[key]
		if !ok {
			e = &fuseEntry{result: &FusedResult{DocID: id, File: file, Page: page}}
			entries[key] = e
		}
		return e, true
	}

	for rank, r := range vec {
		e, ok := get(r.DocID)
		if !ok {
			continue
		}
		e.result.VecScore = r.Score
		e.result.VecRank = rank + 1
		e.result.RRFScore += 1.0 / float64(f.K+rank+1)
	}

	for rank, r := range bm25 {
		e, ok := get(r.DocID)
		if !ok {
			continue
		}
		e.result.BM25Score = r.Score
		e.result.BM25Rank = rank + 1
		e.result.RRFScore += 1.0 / float64(f.K+rank+1)
		if e.result.VecRank > 0 {
			e.result.InBothLists = true
		}
	}

	results := make([]*FusedResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, e.result)
	}

	sort.Slice(results, func(i, j int) bool { return f.less(results[i], results[j]) })
	return results
}

// less implements the deterministic tie-break order: higher RRF score,
// then in-both-lists, then higher BM25 score, then (file, page).
func (f *RRFFusion) less(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}
	if a.BM25Score != b.BM25Score {
		return a.BM25Score > b.BM25Score
	}
	if a.File != b.File {
		return a.File < b.File
	}
	return a.Page < b.Page
}

// NormalizeRRF scales RRFScore to [0,1] with the top result at 1.0.
// results must already be sorted (Fuse returns sorted output).
func NormalizeRRF(results []*FusedResult) {
	if len(results) == 0 || results[0].RRFScore == 0 {
		return
	}
	max := results[0].RRFScore
	for _, r := range results {
		r.RRFScore /= max
	}
}
