// Package index builds and verifies the three-store corpus (metadata,
// BM25, and vector indexes) from extracted PDF pages.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

// CheckResult is the outcome of a Verify call.
type CheckResult struct {
	MetadataCount   int
	BM25Count       int
	VectorCount     int
	CommittedDocID  store.DocID
	Duration        time.Duration
}

// ConsistencyChecker validates that the three stores agree on size: the
// vector index, the BM25 index, and the metadata store must all report the
// same document count. It operates on doc-id ranges and counts, not
// individual chunk-id orphan/missing detection, since the corpus is
// append-only and every doc id is contiguous from 0.
type ConsistencyChecker struct {
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorIndex
}

// NewConsistencyChecker builds a checker over the three backing stores.
func NewConsistencyChecker(metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorIndex) *ConsistencyChecker {
	return &ConsistencyChecker{metadata: metadata, bm25: bm25, vector: vector}
}

// Check verifies that all three stores report the same count; for BM25 it
// calls Verify with the metadata count, which compares only the corpus
// size (posting lists are not inspected). It returns an error describing
// the first mismatch found rather than a partial-result report: any
// divergence here means the corpus needs a full re-index.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	metaCount, err := c.metadata.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: metadata count: %w", err)
	}
	vecStats := c.vector.Stats()

	committed, err := c.metadata.CommittedDocID(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: committed doc id: %w", err)
	}

	if err := c.bm25.Verify(ctx, metaCount); err != nil {
		return nil, fmt.Errorf("consistency: bm25 verify: %w", err)
	}
	bm25Stats, err := c.bm25.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: bm25 stats: %w", err)
	}

	result := &CheckResult{
		MetadataCount:  metaCount,
		BM25Count:      bm25Stats.CorpusSize,
		VectorCount:    vecStats.Count,
		CommittedDocID: committed,
		Duration:       time.Since(start),
	}

	if metaCount != bm25Stats.CorpusSize || metaCount != vecStats.Count {
		return result, fmt.Errorf("consistency: store size mismatch: metadata=%d bm25=%d vector=%d",
			metaCount, bm25Stats.CorpusSize, vecStats.Count)
	}
	return result, nil
}
