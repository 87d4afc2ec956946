package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kugutsushi/kugutsushi-search/internal/chunk"
	kerrors "github.com/kugutsushi/kugutsushi-search/internal/errors"
	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

// DefaultEmbedBatchSize is the number of chunk texts embedded per
// Embedder.EmbedBatch call.
const DefaultEmbedBatchSize = 32

// Page is a single extracted page of PDF text, 0-indexed within its source
// document.
type Page struct {
	Page uint32
	Text string
}

// PageExtractor extracts pages of text from raw PDF bytes. It is an
// external collaborator: this package never parses PDF byte streams
// itself, only consumes whatever a concrete extractor produces.
type PageExtractor interface {
	ExtractPages(data []byte, filename string) ([]Page, error)
}

// BuilderConfig wires an IndexBuilder to its three backing stores, its
// embedder, and the PDF page extractor.
type BuilderConfig struct {
	// DataDir holds vector.idx, index_state.json, and processed_files.json.
	// metadata.db and bm25.db are opened by the caller before construction,
	// since SQLiteMetadataStore/SQLiteBM25Index own their own file paths.
	DataDir string

	Metadata  store.MetadataStore
	BM25      store.BM25Index
	Vector    store.VectorIndex
	Embedder  Embedder
	Extractor PageExtractor

	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

// Embedder is the subset of internal/embed.Embedder the builder needs,
// declared locally so this package does not import internal/embed just to
// name a type (the concrete value still satisfies internal/embed.Embedder).
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Builder is the IndexBuilder (C4): it extracts, filters, chunks, embeds,
// and atomically fans pages out to the metadata, BM25, and vector stores in
// a fixed commit order. A single process-level mutex serializes add_pdf
// calls, since none of the three stores are safe for concurrent writers.
type Builder struct {
	config BuilderConfig
	mu     sync.Mutex

	processed *ProcessedFiles
}

// NewBuilder constructs a Builder. ChunkSize/ChunkOverlap/BatchSize default
// to 500/50/32 when zero.
func NewBuilder(config BuilderConfig) (*Builder, error) {
	if config.ChunkSize <= 0 {
		config.ChunkSize = chunk.DefaultChunkSize
	}
	if config.ChunkOverlap <= 0 {
		config.ChunkOverlap = chunk.DefaultChunkOverlap
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultEmbedBatchSize
	}

	processed, err := LoadProcessedFiles(filepath.Join(config.DataDir, "processed_files.json"))
	if err != nil {
		return nil, fmt.Errorf("load processed files state: %w", err)
	}

	return &Builder{config: config, processed: processed}, nil
}

// AddPDFResult reports the outcome of a single add_pdf/add_pdf_file call.
type AddPDFResult struct {
	NChunks int
	Message string
}

// AddPDF extracts pages, filters, chunks, embeds, and appends to all three
// stores in a fixed commit order. Any step failing abandons the whole
// batch; no partial write is
// visible because VectorIndex/BM25Index/MetadataStore.Append all buffer
// or are themselves transactional, and MetadataStore.Flush (the
// linearization point) is the last call made.
func (b *Builder) AddPDF(ctx context.Context, data []byte, filename string) (*AddPDFResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pages, err := b.config.Extractor.ExtractPages(data, filename)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeExtractionFailure,
			fmt.Sprintf("extract pages from %s", filename), err)
	}

	type pendingChunk struct {
		text string
		page uint32
		idx  uint32
	}
	var pending []pendingChunk
	for _, page := range pages {
		if !chunk.IsContentPage(page.Text) {
			continue
		}
		chunks := chunk.ChunkText(page.Text, b.config.ChunkSize, b.config.ChunkOverlap)
		for i, c := range chunks {
			pending = append(pending, pendingChunk{text: c, page: page.Page, idx: uint32(i)})
		}
	}

	if len(pending) == 0 {
		return nil, kerrors.New(kerrors.ErrCodeNoContent,
			fmt.Sprintf("no content pages found in %s", filename), nil)
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}

	vectors, err := b.embedAll(ctx, texts)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeEmbedderFailure,
			fmt.Sprintf("embed %d chunks from %s", len(texts), filename), err)
	}

	startID, err := b.config.Metadata.Count(ctx)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "read metadata count", err)
	}

	if _, err := b.config.Vector.Add(ctx, vectors); err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "append to vector index", err)
	}
	if _, err := b.config.BM25.Add(ctx, texts); err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "append to bm25 index", err)
	}

	records := make([]*store.MetadataRecord, len(pending))
	for i, p := range pending {
		records[i] = &store.MetadataRecord{
			ID:    store.DocID(startID) + store.DocID(i),
			Text:  p.text,
			File:  filename,
			Page:  p.page,
			Chunk: p.idx,
		}
	}
	if err := b.config.Metadata.Append(ctx, records); err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "append metadata", err)
	}
	if err := b.config.Metadata.Flush(ctx); err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "flush metadata", err)
	}

	committed := store.DocID(startID) + store.DocID(len(pending))
	if err := b.config.Metadata.SetCommittedDocID(ctx, committed); err != nil {
		return nil, kerrors.New(kerrors.ErrCodePersistenceFailure, "set committed doc id", err)
	}

	slog.Info("indexed pdf",
		slog.String("file", filename),
		slog.Int("pages", len(pages)),
		slog.Int("chunks", len(pending)))

	return &AddPDFResult{
		NChunks: len(pending),
		Message: fmt.Sprintf("indexed %d chunks from %d pages", len(pending), len(pages)),
	}, nil
}

// AddPDFFile reads path and delegates to AddPDF, then records path as
// processed in processed_files.json.
func (b *Builder) AddPDFFile(ctx context.Context, path string) (*AddPDFResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.IOError(fmt.Sprintf("read pdf file %s", path), err)
	}
	result, err := b.AddPDF(ctx, data, filepath.Base(path))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.processed.Mark(path)
	b.mu.Unlock()

	return result, nil
}

// embedAll batches texts through the embedder in groups of BatchSize.
func (b *Builder) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.config.BatchSize {
		end := start + b.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := b.config.Embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// vectorIndexPath and indexStatePath are the on-disk layout under DataDir.
func (b *Builder) vectorIndexPath() string {
	return filepath.Join(b.config.DataDir, "vector.idx")
}

func (b *Builder) indexStatePath() string {
	return filepath.Join(b.config.DataDir, "index_state.json")
}

func (b *Builder) processedFilesPath() string {
	return filepath.Join(b.config.DataDir, "processed_files.json")
}

// indexState is the sidecar JSON describing the vector index's operating
// mode, written alongside the binary index so tooling can sanity-check
// dimension/nlist/m/nbits without decoding the whole gob snapshot. Load
// does not read it.
type indexState struct {
	IsTrained bool `json:"is_trained"`
	Dimension int  `json:"dimension"`
	NList     int  `json:"nlist"`
	M         int  `json:"m"`
	NBits     int  `json:"nbits"`
}

// Save persists the vector index, flushes metadata, and writes the
// index_state.json sidecar. Callers amortize fsync cost by calling Save
// every few add_pdf calls rather than after every one.
func (b *Builder) Save(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return kerrors.IOError("create data directory", err)
	}

	if err := b.config.Metadata.Flush(ctx); err != nil {
		return kerrors.New(kerrors.ErrCodePersistenceFailure, "flush metadata on save", err)
	}
	if err := b.config.Vector.Save(b.vectorIndexPath()); err != nil {
		return kerrors.New(kerrors.ErrCodePersistenceFailure, "save vector index", err)
	}

	stats := b.config.Vector.Stats()
	state := indexState{
		IsTrained: stats.Trained,
		Dimension: b.config.Embedder.Dimensions(),
		NList:     stats.NList,
		M:         stats.M,
		NBits:     stats.NBits,
	}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index state: %w", err)
	}
	if err := os.WriteFile(b.indexStatePath(), data, 0o644); err != nil {
		return kerrors.IOError("write index_state.json", err)
	}

	if err := b.processed.Save(b.processedFilesPath()); err != nil {
		return kerrors.IOError("save processed_files.json", err)
	}

	bm25Stats, err := b.config.BM25.Stats(ctx)
	if err == nil {
		slog.Info("saved index",
			slog.Int("corpus_size", bm25Stats.CorpusSize),
			slog.Int("vocab_size", bm25Stats.VocabSize),
			slog.Bool("vector_trained", stats.Trained))
	}
	return nil
}

// Load reconstructs the vector index from disk. The metadata and BM25
// stores are expected to already be open against their own SQLite files;
// this only restores the gob-encoded vector snapshot, if present.
func (b *Builder) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.vectorIndexPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := b.config.Vector.Load(path); err != nil {
		return kerrors.New(kerrors.ErrCodePersistenceFailure, "load vector index", err)
	}
	return nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK      bool
	Message string
}

// Verify detects post-crash divergence between the three stores using
// ConsistencyChecker.
func (b *Builder) Verify(ctx context.Context) (*VerifyResult, error) {
	checker := NewConsistencyChecker(b.config.Metadata, b.config.BM25, b.config.Vector)
	result, err := checker.Check(ctx)
	if err != nil {
		return &VerifyResult{OK: false, Message: err.Error()}, nil
	}
	return &VerifyResult{
		OK: true,
		Message: fmt.Sprintf("ok: %d docs, committed_doc_id=%d",
			result.MetadataCount, result.CommittedDocID),
	}, nil
}

// BuilderStats summarizes the corpus for status reporting.
type BuilderStats struct {
	DocCount      int
	DistinctFiles int
	VocabSize     int
	VectorTrained bool
	ProcessedPDFs int
}

// Stats summarizes the corpus: document and file counts, BM25 vocabulary
// size, and whether the vector index has left temp (exact) mode.
func (b *Builder) Stats(ctx context.Context) (*BuilderStats, error) {
	docCount, err := b.config.Metadata.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata count: %w", err)
	}
	files, err := b.config.Metadata.Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata files: %w", err)
	}
	bm25Stats, err := b.config.BM25.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("bm25 stats: %w", err)
	}
	vecStats := b.config.Vector.Stats()

	return &BuilderStats{
		DocCount:      docCount,
		DistinctFiles: len(files),
		VocabSize:     bm25Stats.VocabSize,
		VectorTrained: vecStats.Trained,
		ProcessedPDFs: b.processed.Count(),
	}, nil
}

// IsProcessed reports whether path has already been indexed, per the
// processed_files.json tracking.
func (b *Builder) IsProcessed(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed.Contains(path)
}
