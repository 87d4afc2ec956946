package search

import (
	"context"
	"math"
)

// RerankResult is a single reranked result.
type RerankResult struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the raw cross-encoder logit (not yet squashed to [0,1]).
	Score float64
}

// Reranker scores (query, page-text) pairs using a cross-encoder model.
// Cross-encoders jointly encode the pair for more accurate relevance
// scoring than the bi-encoder used for dense retrieval, at higher
// per-pair cost, so it only runs over the top RerankTopK fused candidates.
type Reranker interface {
	// Rerank scores documents against query. Results are NOT required to
	// be sorted; callers blend and sort using the RRF score alongside it.
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)

	// Available reports whether the reranker backend can currently serve
	// requests (model loaded, service reachable).
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker leaves the RRF ordering untouched. Used when reranking is
// disabled or the cross-encoder backend is unavailable.
type NoOpReranker struct{}

// Rerank assigns decreasing scores that preserve the input order.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		results[i] = RerankResult{Index: i, Score: -float64(i)}
	}
	return results, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool { return true }

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error { return nil }

var _ Reranker = (*NoOpReranker)(nil)

// sigmoid squashes a cross-encoder logit into [0,1].
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// blendScore combines a sigmoid-normalized reranker score with a
// [0,1]-normalized RRF score, weighted by rerankWeight (reranker share).
// rerankWeight=0 reduces to pure RRF ordering, 1 to pure reranker ordering.
func blendScore(rerankLogit, rrfNormalized, rerankWeight float64) float64 {
	return rerankWeight*sigmoid(rerankLogit) + (1-rerankWeight)*rrfNormalized
}
