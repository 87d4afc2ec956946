// Package store provides the on-disk persistence layer for kugutsushi-search:
// page metadata (SQLite), lexical postings (SQLite, custom binary format), and
// dense vectors (IVF+PQ with a flat-exact bootstrap phase).
package store

import (
	"context"
	"fmt"
)

// DocID identifies a page record and is shared across all three stores: the
// metadata row, the BM25 posting doc_id, and the vector index position all
// refer to the same DocID for a given page.
type DocID = uint32

// MetadataRecord is a single indexed page: its extracted text, originating
// file, and page number within that file.
type MetadataRecord struct {
	ID    DocID
	Text  string
	File  string
	Page  uint32 // 0-indexed
	Chunk uint32 // chunk index within the page, for pages split by ChunkText
}

// CorpusStats summarizes the state of the corpus for status reporting and
// cross-store consistency checks.
type CorpusStats struct {
	DocCount       int
	DistinctFiles  int
	CommittedDocID DocID // one past the highest doc_id committed to every store
}

// MetadataStore persists MetadataRecords. Appends are buffered in memory and
// only become durable (and visible to Fetch/ByFile/Files after a restart) on
// Flush, so that callers can commit VectorIndex and BM25Index writes first and
// treat a MetadataStore flush as the linearization point for a batch of pages.
type MetadataStore interface {
	// Append buffers records for the next Flush. IDs must be sequential and
	// start at Count().
	Append(ctx context.Context, records []*MetadataRecord) error

	// Flush durably persists all buffered records.
	Flush(ctx context.Context) error

	// Fetch returns the records for the given ids, in the order requested.
	// Unknown ids are silently dropped from the result.
	Fetch(ctx context.Context, ids []DocID) ([]*MetadataRecord, error)

	// Count returns the number of durable (flushed) records.
	Count(ctx context.Context) (int, error)

	// Files returns the distinct, NFC-normalized set of file names present
	// in the store.
	Files(ctx context.Context) ([]string, error)

	// ByFile returns all records for a given file name. The lookup tries
	// the name as given, then NFC-normalized, then NFD-normalized, since
	// filenames arriving from different filesystems may disagree on
	// Unicode normalization form.
	ByFile(ctx context.Context, file string) ([]*MetadataRecord, error)

	// CommittedDocID returns the monotonic high-water mark described in
	// CorpusStats, persisted independently of Count. ConsistencyChecker.Check
	// reports it alongside the store counts but does not compare it with them.
	CommittedDocID(ctx context.Context) (DocID, error)
	SetCommittedDocID(ctx context.Context, id DocID) error

	Close() error
}

// Posting is one (doc_id, term frequency) pair in a term's postings list.
// On disk this is encoded as 6 bytes: u32 LE doc_id followed by u16 LE tf.
type Posting struct {
	DocID DocID
	TF    uint16
}

// Term is a single vocabulary entry with its document frequency and postings.
type Term struct {
	Text     string
	DF       int
	Postings []Posting // sorted ascending by DocID
}

// BM25Result is a single lexical search hit.
type BM25Result struct {
	DocID DocID
	Score float64
}

// BM25Stats reports corpus-level statistics used by the scorer and by status
// reporting.
type BM25Stats struct {
	CorpusSize   int
	VocabSize    int
	AvgDocLength float64
}

// BM25Index provides Okapi BM25 lexical search over a Japanese-aware
// tokenization of page text, backed by a custom binary posting-list format.
type BM25Index interface {
	// Add tokenizes and indexes texts, assigning sequential doc ids starting
	// at the index's current corpus size. Returns the assigned ids.
	Add(ctx context.Context, texts []string) ([]DocID, error)

	// Search scores the query against the corpus and returns the topK
	// highest-scoring documents, descending by score.
	Search(ctx context.Context, query string, topK int) ([]BM25Result, error)

	// Prune removes vocabulary terms with document frequency below minDF
	// and reclaims the freed space.
	Prune(ctx context.Context, minDF int) error

	// Stats returns corpus statistics.
	Stats(ctx context.Context) (BM25Stats, error)

	// Verify reports whether the indexed corpus size matches the given
	// expected count.
	Verify(ctx context.Context, expectedCount int) error

	Close() error
}

// VectorResult is a single dense-retrieval hit, rank-ordered by Score
// descending (Score is an inner-product similarity in [-1, 1] for unit
// vectors).
type VectorResult struct {
	DocID DocID
	Score float32
}

// VectorStats reports the operating mode and size of a VectorIndex.
type VectorStats struct {
	Count   int
	Trained bool // true once promoted from exact flat search to IVF+PQ
	NList   int
	M       int
	NBits   int
}

// VectorIndex is the dense ANN store. It begins in an exact flat
// inner-product mode and promotes itself, once, to a trained IVF+PQ index
// once enough vectors have accumulated.
type VectorIndex interface {
	// Add L2-normalizes and inserts vectors, assigning sequential ids
	// starting at the index's current count. May trigger training.
	Add(ctx context.Context, vectors [][]float32) ([]DocID, error)

	// Search returns the topK nearest neighbors to query by inner product.
	Search(ctx context.Context, query []float32, topK int) ([]VectorResult, error)

	Stats() VectorStats

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector was added or searched with a
// dimension other than the index's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// ErrInsufficientTrainingData describes an attempt to train with fewer than
// NList*39 vectors. IVFPQIndex has no explicit Train method and no code path
// returns this error: Add simply defers training until enough data has arrived.
type ErrInsufficientTrainingData struct {
	Have, Need int
}

func (e ErrInsufficientTrainingData) Error() string {
	return fmt.Sprintf("insufficient training data: have %d vectors, need %d", e.Have, e.Need)
}
