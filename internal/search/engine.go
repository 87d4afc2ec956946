package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kugutsushi/kugutsushi-search/internal/embed"
	kerrors "github.com/kugutsushi/kugutsushi-search/internal/errors"
	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

// ErrNilDependency is returned when a required Engine dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// embedCircuitResetTimeout is how long the query-embedder circuit stays
// open after repeated failures before a query is allowed through again.
const embedCircuitResetTimeout = 30 * time.Second

// EngineConfig holds the hybrid retrieval/fusion/rerank tunables. Zero-value
// fields are replaced with defaults by withDefaults.
type EngineConfig struct {
	RetrievalK   int     // candidates fetched per branch, default 100
	RerankTopK   int     // candidates passed to the reranker, default 20
	RerankWeight float64 // blend weight on the reranker side, default 0.5
	RRFConstant  int     // RRF smoothing constant k, default 60
	DisableBM25 bool     // skip the lexical branch entirely (dense-only mode)
	UseRerank   bool     // enable the cross-encoder rerank+blend stage
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.RetrievalK <= 0 {
		c.RetrievalK = 100
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = 20
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
	if c.RerankWeight == 0 {
		c.RerankWeight = 0.5
	}
	return c
}

// SearchResult is a single enriched hit returned by Engine.Search.
type SearchResult struct {
	DocID     store.DocID
	File      string
	Page      uint32
	Text      string
	Score     float64 // final blended/RRF score, [0,1]
	BM25Score float64
	VecScore  float32
}

// Engine implements hybrid search: dense ANN + BM25 lexical, fused by RRF,
// optionally refined by a cross-encoder reranker.
type Engine struct {
	bm25     store.BM25Index
	vector   store.VectorIndex
	embedder embed.Embedder
	metadata store.MetadataStore
	config   EngineConfig
	fusion   *RRFFusion
	reranker Reranker
	embedCB  *kerrors.CircuitBreaker
	mu       sync.RWMutex
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithReranker sets an optional cross-encoder reranker. When set and
// config.UseRerank is true, the top RerankTopK fused candidates are
// rescored and blended with their RRF score before the final sort.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// NewEngine builds a hybrid search engine from its three backing stores and
// an embedder for query-time vectorization. All four dependencies are
// required; a nil value is a construction error, not a runtime panic.
func NewEngine(bm25 store.BM25Index, vector store.VectorIndex, embedder embed.Embedder, metadata store.MetadataStore, config EngineConfig, opts ...EngineOption) (*Engine, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	config = config.withDefaults()
	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		metadata: metadata,
		config:   config,
		fusion:   &RRFFusion{K: config.RRFConstant},
		reranker: &NoOpReranker{},
		embedCB: kerrors.NewCircuitBreaker("query-embedder",
			kerrors.WithMaxFailures(3),
			kerrors.WithResetTimeout(embedCircuitResetTimeout)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search runs the hybrid pipeline: parallel dense+lexical retrieval, RRF
// fusion keyed by (file, page), optional reranker blend, then enrichment
// via the metadata store. Results are returned best-first, length <= topK.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]*SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if topK <= 0 {
		topK = 10
	}

	bm25Results, vecResults, err := e.parallelSearch(ctx, query, e.config.RetrievalK)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}

	locate := e.locator(ctx, bm25Results, vecResults)
	fused := e.fusion.Fuse(bm25Results, vecResults, locate)
	NormalizeRRF(fused)

	if e.config.UseRerank && e.reranker != nil && len(fused) > 0 {
		fused, err = e.rerank(ctx, query, fused)
		if err != nil {
			slog.Warn("reranking failed, falling back to RRF order", slog.String("error", err.Error()))
		}
	}

	if len(fused) > topK {
		fused = fused[:topK]
	}
	return e.enrich(ctx, fused)
}

// parallelSearch runs the BM25 and vector branches concurrently via
// errgroup, tolerating a single-branch failure so the surviving branch
// still serves results.
func (e *Engine) parallelSearch(ctx context.Context, query string, limit int) ([]store.BM25Result, []store.VectorResult, error) {
	var bm25Results []store.BM25Result
	var vecResults []store.VectorResult
	var bm25Err, vecErr error

	g, gctx := errgroup.WithContext(ctx)

	if !e.config.DisableBM25 {
		g.Go(func() error {
			var err error
			bm25Results, err = e.bm25.Search(gctx, query, limit)
			if err != nil {
				bm25Err = err
			}
			return nil
		})
	}

	g.Go(func() error {
		var embedding []float32
		cbErr := e.embedCB.Execute(func() error {
			var embedErr error
			embedding, embedErr = e.embedder.Embed(gctx, query)
			return embedErr
		})
		if cbErr != nil {
			if errors.Is(cbErr, kerrors.ErrCircuitOpen) {
				slog.Warn("query embedder circuit open, skipping vector branch",
					slog.String("breaker", e.embedCB.Name()))
			}
			vecErr = fmt.Errorf("embed query: %w", cbErr)
			return nil
		}
		var searchErr error
		vecResults, searchErr = e.vector.Search(gctx, embedding, limit)
		if searchErr != nil {
			vecErr = searchErr
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if bm25Err != nil && vecErr != nil {
		return nil, nil, errors.Join(bm25Err, vecErr)
	}
	if bm25Err != nil {
		slog.Warn("bm25 branch failed, continuing with vector-only results", slog.String("error", bm25Err.Error()))
	}
	if vecErr != nil {
		slog.Warn("vector branch failed, continuing with bm25-only results", slog.String("error", vecErr.Error()))
	}
	return bm25Results, vecResults, nil
}

// locator builds a doc-id -> (file, page) lookup covering every id that
// appears in either branch's results, via a single batched Fetch.
func (e *Engine) locator(ctx context.Context, bm25 []store.BM25Result, vec []store.VectorResult) func(store.DocID) (string, uint32, bool) {
	idSet := make(map[store.DocID]struct{}, len(bm25)+len(vec))
	for _, r := range bm25 {
		idSet[r.DocID] = struct{}{}
	}
	for _, r := range vec {
		idSet[r.DocID] = struct{}{}
	}
	ids := make([]store.DocID, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records, err := e.metadata.Fetch(ctx, ids)
	if err != nil {
		slog.Warn("metadata locate failed", slog.String("error", err.Error()))
		return func(store.DocID) (string, uint32, bool) { return "", 0, false }
	}
	byID := make(map[store.DocID]*store.MetadataRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return func(id store.DocID) (string, uint32, bool) {
		r, ok := byID[id]
		if !ok {
			return "", 0, false
		}
		return r.File, r.Page, true
	}
}

// rerank rescores the top RerankTopK fused candidates with the
// cross-encoder and blends the squashed logit with the normalized RRF
// score, weighted by RerankWeight.
func (e *Engine) rerank(ctx context.Context, query string, fused []*FusedResult) ([]*FusedResult, error) {
	head := fused
	tail := []*FusedResult(nil)
	if len(fused) > e.config.RerankTopK {
		head = fused[:e.config.RerankTopK]
		tail = fused[e.config.RerankTopK:]
	}

	ids := make([]store.DocID, len(head))
	for i, f := range head {
		ids[i] = f.DocID
	}
	records, err := e.metadata.Fetch(ctx, ids)
	if err != nil {
		return fused, fmt.Errorf("fetch rerank candidates: %w", err)
	}
	textByID := make(map[store.DocID]string, len(records))
	for _, r := range records {
		textByID[r.ID] = r.Text
	}

	docs := make([]string, len(head))
	for i, f := range head {
		docs[i] = textByID[f.DocID]
	}

	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return fused, err
	}
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(head) {
			continue
		}
		head[s.Index].RRFScore = blendScore(s.Score, head[s.Index].RRFScore, e.config.RerankWeight)
	}

	sort.Slice(head, func(i, j int) bool { return head[i].RRFScore > head[j].RRFScore })
	return append(head, tail...), nil
}

// enrich hydrates fused results with page text via a single batched Fetch.
func (e *Engine) enrich(ctx context.Context, fused []*FusedResult) ([]*SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}
	ids := make([]store.DocID, len(fused))
	for i, f := range fused {
		ids[i] = f.DocID
	}
	records, err := e.metadata.Fetch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	textByID := make(map[store.DocID]string, len(records))
	for _, r := range records {
		textByID[r.ID] = r.Text
	}

	results := make([]*SearchResult, 0, len(fused))
	for _, f := range fused {
		results = append(results, &SearchResult{
			DocID:     f.DocID,
			File:      f.File,
			Page:      f.Page,
			Text:      textByID[f.DocID],
			Score:     f.RRFScore,
			BM25Score: f.BM25Score,
			VecScore:  f.VecScore,
		})
	}
	return results, nil
}

// Close releases the reranker, if one is attached.
func (e *Engine) Close() error {
	if e.reranker != nil {
		return e.reranker.Close()
	}
	return nil
}
