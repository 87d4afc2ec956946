package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// BM25 scoring parameters. Matched to the reference corpus: k1=1.5 favors
// longer postings lists more than the textbook k1=1.2, b=0.75 is the
// standard length-normalization weight.
const (
	bm25K1          = 1.5
	bm25B           = 0.75
	defaultMinDF    = 2
	postingByteSize = 6 // u32 LE doc_id + u16 LE tf
)

// SQLiteBM25Index is an Okapi BM25 lexical index backed by SQLite, storing
// postings as a packed binary BLOB per term rather than relying on SQLite's
// own FTS5 ranking (which does not expose the exact tokenization and scoring
// this corpus needs for Japanese text).
type SQLiteBM25Index struct {
	db   *sql.DB
	lock *flock.Flock
	mu   sync.Mutex

	corpusSize int
	totalLen   int64
}

// NewSQLiteBM25Index opens (creating if necessary) a BM25 index at path. It
// acquires an exclusive cross-process file lock for the lifetime of the
// index, since SQLite alone does not serialize writers across processes the
// way this store's single-writer invariant requires.
func NewSQLiteBM25Index(ctx context.Context, path string) (*SQLiteBM25Index, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("bm25 lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("bm25 index %s is locked by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("bm25 open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := &SQLiteBM25Index{db: db, lock: lock}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("bm25 pragma %q: %w", pragma, err)
		}
	}

	if err := idx.ensureSchema(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := idx.migrateLegacyJSON(ctx, path); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := idx.loadCounters(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return idx, nil
}

func (idx *SQLiteBM25Index) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stats (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS doc_lens (doc_id INTEGER PRIMARY KEY, length INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS terms (term TEXT PRIMARY KEY, df INTEGER NOT NULL, postings BLOB NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := idx.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("bm25 schema: %w", err)
		}
	}
	return nil
}

func (idx *SQLiteBM25Index) loadCounters(ctx context.Context) error {
	var count int
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_lens`).Scan(&count); err != nil {
		return fmt.Errorf("bm25 load count: %w", err)
	}
	var totalLen sql.NullInt64
	if err := idx.db.QueryRowContext(ctx, `SELECT SUM(length) FROM doc_lens`).Scan(&totalLen); err != nil {
		return fmt.Errorf("bm25 load total length: %w", err)
	}
	idx.corpusSize = count
	idx.totalLen = totalLen.Int64
	return nil
}

// legacyBM25Snapshot mirrors the pre-SQLite JSON snapshot format this store
// migrates from on first open: a flat vocabulary of term -> per-doc term
// frequencies, plus per-document lengths.
type legacyBM25Snapshot struct {
	DocLengths map[string]int            `json:"doc_lengths"`
	Vocabulary map[string]map[string]int `json:"vocabulary"`
}

func (idx *SQLiteBM25Index) migrateLegacyJSON(ctx context.Context, dbPath string) error {
	legacyPath := dbPath + ".legacy.json"
	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bm25 legacy read: %w", err)
	}

	var count int
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_lens`).Scan(&count); err != nil {
		return fmt.Errorf("bm25 legacy precheck: %w", err)
	}
	if count > 0 {
		return nil // corpus already populated; do not overwrite
	}

	var snap legacyBM25Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("bm25 legacy parse: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bm25 legacy tx: %w", err)
	}
	defer tx.Rollback()

	for docIDStr, length := range snap.DocLengths {
		var docID DocID
		if _, err := fmt.Sscanf(docIDStr, "%d", &docID); err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO doc_lens (doc_id, length) VALUES (?, ?)`, docID, length); err != nil {
			return fmt.Errorf("bm25 legacy doc_lens: %w", err)
		}
	}
	for term, postingsByDoc := range snap.Vocabulary {
		postings := make([]Posting, 0, len(postingsByDoc))
		for docIDStr, tf := range postingsByDoc {
			var docID DocID
			if _, err := fmt.Sscanf(docIDStr, "%d", &docID); err != nil {
				continue
			}
			postings = append(postings, Posting{DocID: docID, TF: saturateTF(tf)})
		}
		sort.Slice(postings, func(i, j int) bool { return postings[i].DocID < postings[j].DocID })
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO terms (term, df, postings) VALUES (?, ?, ?)`,
			term, len(postings), encodePostings(postings)); err != nil {
			return fmt.Errorf("bm25 legacy terms: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bm25 legacy commit: %w", err)
	}
	return os.Rename(legacyPath, legacyPath+".migrated")
}

func saturateTF(tf int) uint16 {
	if tf > MaxTermFrequency {
		return MaxTermFrequency
	}
	return uint16(tf)
}

func encodePostings(postings []Posting) []byte {
	buf := make([]byte, len(postings)*postingByteSize)
	for i, p := range postings {
		off := i * postingByteSize
		binary.LittleEndian.PutUint32(buf[off:], p.DocID)
		binary.LittleEndian.PutUint16(buf[off+4:], p.TF)
	}
	return buf
}

func decodePostings(buf []byte) []Posting {
	n := len(buf) / postingByteSize
	postings := make([]Posting, n)
	for i := 0; i < n; i++ {
		off := i * postingByteSize
		postings[i] = Posting{
			DocID: binary.LittleEndian.Uint32(buf[off:]),
			TF:    binary.LittleEndian.Uint16(buf[off+4:]),
		}
	}
	return postings
}

// Add implements BM25Index.
func (idx *SQLiteBM25Index) Add(ctx context.Context, texts []string) ([]DocID, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bm25 add begin: %w", err)
	}
	defer tx.Rollback()

	startID := DocID(idx.corpusSize)
	ids := make([]DocID, len(texts))
	termBatch := make(map[string][]Posting)
	var addedLen int64

	for i, text := range texts {
		docID := startID + DocID(i)
		ids[i] = docID

		freqs := TermFrequencies(text)
		docLen := len(Tokenize(text))
		addedLen += int64(docLen)

		if _, err := tx.ExecContext(ctx, `INSERT INTO doc_lens (doc_id, length) VALUES (?, ?)`, docID, docLen); err != nil {
			return nil, fmt.Errorf("bm25 insert doc_len: %w", err)
		}
		for term, tf := range freqs {
			termBatch[term] = append(termBatch[term], Posting{DocID: docID, TF: tf})
		}
	}

	for term, newPostings := range termBatch {
		var existing []byte
		err := tx.QueryRowContext(ctx, `SELECT postings FROM terms WHERE term = ?`, term).Scan(&existing)
		var merged []Posting
		switch {
		case err == sql.ErrNoRows:
			merged = newPostings
		case err != nil:
			return nil, fmt.Errorf("bm25 read term %q: %w", term, err)
		default:
			merged = append(decodePostings(existing), newPostings...)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].DocID < merged[j].DocID })
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO terms (term, df, postings) VALUES (?, ?, ?)`,
			term, len(merged), encodePostings(merged)); err != nil {
			return nil, fmt.Errorf("bm25 upsert term %q: %w", term, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bm25 add commit: %w", err)
	}

	idx.corpusSize += len(texts)
	idx.totalLen += addedLen
	return ids, nil
}

// Search implements BM25Index.
func (idx *SQLiteBM25Index) Search(ctx context.Context, query string, topK int) ([]BM25Result, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.corpusSize == 0 {
		return nil, nil
	}
	avgdl := float64(idx.totalLen) / float64(idx.corpusSize)
	if avgdl == 0 {
		avgdl = 1
	}

	seen := make(map[string]struct{})
	scores := make(map[DocID]float64)
	docLenCache := make(map[DocID]int)

	for _, term := range Tokenize(query) {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}

		var df int
		var raw []byte
		err := idx.db.QueryRowContext(ctx, `SELECT df, postings FROM terms WHERE term = ?`, term).Scan(&df, &raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bm25 search term %q: %w", term, err)
		}
		if df < defaultMinDF {
			continue
		}

		idf := math.Log((float64(idx.corpusSize-df)+0.5)/(float64(df)+0.5) + 1)
		for _, p := range decodePostings(raw) {
			dl, ok := docLenCache[p.DocID]
			if !ok {
				if err := idx.db.QueryRowContext(ctx, `SELECT length FROM doc_lens WHERE doc_id = ?`, p.DocID).Scan(&dl); err != nil {
					continue
				}
				docLenCache[p.DocID] = dl
			}
			tf := float64(p.TF)
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(dl)/avgdl)
			scores[p.DocID] += idf * tf * (bm25K1 + 1) / denom
		}
	}

	results := make([]BM25Result, 0, len(scores))
	for docID, score := range scores {
		results = append(results, BM25Result{DocID: docID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Prune implements BM25Index, dropping terms below minDF document frequency
// and reclaiming space with VACUUM.
func (idx *SQLiteBM25Index) Prune(ctx context.Context, minDF int) error {
	if minDF <= 0 {
		minDF = defaultMinDF
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.ExecContext(ctx, `DELETE FROM terms WHERE df < ?`, minDF); err != nil {
		return fmt.Errorf("bm25 prune: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("bm25 vacuum: %w", err)
	}
	return nil
}

// Stats implements BM25Index.
func (idx *SQLiteBM25Index) Stats(ctx context.Context) (BM25Stats, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var vocabSize int
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM terms`).Scan(&vocabSize); err != nil {
		return BM25Stats{}, fmt.Errorf("bm25 stats: %w", err)
	}
	var avgdl float64
	if idx.corpusSize > 0 {
		avgdl = float64(idx.totalLen) / float64(idx.corpusSize)
	}
	return BM25Stats{CorpusSize: idx.corpusSize, VocabSize: vocabSize, AvgDocLength: avgdl}, nil
}

// Verify implements BM25Index.
func (idx *SQLiteBM25Index) Verify(ctx context.Context, expectedCount int) error {
	idx.mu.Lock()
	corpusSize := idx.corpusSize
	idx.mu.Unlock()
	if corpusSize != expectedCount {
		return fmt.Errorf("bm25 corpus size %d does not match expected %d", corpusSize, expectedCount)
	}
	return nil
}

// Close implements BM25Index.
func (idx *SQLiteBM25Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		_ = idx.db.Close()
		_ = idx.lock.Unlock()
		return fmt.Errorf("bm25 checkpoint: %w", err)
	}
	if err := idx.db.Close(); err != nil {
		_ = idx.lock.Unlock()
		return fmt.Errorf("bm25 close: %w", err)
	}
	return idx.lock.Unlock()
}

var _ BM25Index = (*SQLiteBM25Index)(nil)
