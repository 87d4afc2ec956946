package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
	"golang.org/x/text/unicode/norm"
)

// SQLiteMetadataStore persists page metadata. Appended records are held in an
// in-memory buffer until Flush, so the caller can write VectorIndex and
// BM25Index postings first and only then durably commit the metadata rows
// that make a batch of pages visible to Fetch/ByFile/Files.
type SQLiteMetadataStore struct {
	db   *sql.DB
	lock *flock.Flock
	mu   sync.Mutex

	buffer []*MetadataRecord
}

// NewSQLiteMetadataStore opens (creating if necessary) a metadata store at
// path, acquiring an exclusive cross-process file lock for its lifetime.
func NewSQLiteMetadataStore(ctx context.Context, path string) (*SQLiteMetadataStore, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("metadata lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("metadata store %s is locked by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("metadata open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteMetadataStore{db: db, lock: lock}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("metadata pragma %q: %w", pragma, err)
		}
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMetadataStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			id INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			file TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_page ON metadata(file, page)`,
		`CREATE TABLE IF NOT EXISTS state (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("metadata schema: %w", err)
		}
	}
	return nil
}

// Append implements MetadataStore.
func (s *SQLiteMetadataStore) Append(ctx context.Context, records []*MetadataRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, err := s.countLocked(ctx)
	if err != nil {
		return err
	}
	expected += len(s.buffer)
	for _, r := range records {
		if int(r.ID) != expected {
			return fmt.Errorf("metadata append: expected id %d, got %d", expected, r.ID)
		}
		expected++
	}

	s.buffer = append(s.buffer, records...)
	return nil
}

// Flush implements MetadataStore.
func (s *SQLiteMetadataStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metadata flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metadata (id, text, file, page, chunk) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metadata flush prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range s.buffer {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Text, r.File, r.Page, r.Chunk); err != nil {
			return fmt.Errorf("metadata flush insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata flush commit: %w", err)
	}

	s.buffer = s.buffer[:0]
	return nil
}

// Fetch implements MetadataStore.
func (s *SQLiteMetadataStore) Fetch(ctx context.Context, ids []DocID) ([]*MetadataRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[DocID]*MetadataRecord, len(ids))
	for _, id := range ids {
		var r MetadataRecord
		r.ID = id
		err := s.db.QueryRowContext(ctx, `SELECT text, file, page, chunk FROM metadata WHERE id = ?`, id).
			Scan(&r.Text, &r.File, &r.Page, &r.Chunk)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("metadata fetch %d: %w", id, err)
		}
		byID[id] = &r
	}

	results := make([]*MetadataRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// Count implements MetadataStore.
func (s *SQLiteMetadataStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(ctx)
}

func (s *SQLiteMetadataStore) countLocked(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("metadata count: %w", err)
	}
	return n, nil
}

// Files implements MetadataStore, returning the NFC-normalized distinct set
// of file names. The stored filename itself is never rewritten; only the
// returned listing is normalized.
func (s *SQLiteMetadataStore) Files(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT file FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("metadata files: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("metadata files scan: %w", err)
		}
		nfc := norm.NFC.String(f)
		if _, ok := seen[nfc]; ok {
			continue
		}
		seen[nfc] = struct{}{}
		files = append(files, nfc)
	}
	return files, rows.Err()
}

// ByFile implements MetadataStore, probing the name as given, then its
// NFC form, then its NFD form, since filenames captured on different
// filesystems (notably Linux ext4 vs. macOS HFS+/APFS) may disagree on
// Unicode normalization.
func (s *SQLiteMetadataStore) ByFile(ctx context.Context, file string) ([]*MetadataRecord, error) {
	for _, candidate := range []string{file, norm.NFC.String(file), norm.NFD.String(file)} {
		records, err := s.byFileExact(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, nil
}

func (s *SQLiteMetadataStore) byFileExact(ctx context.Context, file string) ([]*MetadataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, file, page, chunk FROM metadata WHERE file = ? ORDER BY page, chunk`, file)
	if err != nil {
		return nil, fmt.Errorf("metadata by_file: %w", err)
	}
	defer rows.Close()

	var records []*MetadataRecord
	for rows.Next() {
		r := &MetadataRecord{}
		if err := rows.Scan(&r.ID, &r.Text, &r.File, &r.Page, &r.Chunk); err != nil {
			return nil, fmt.Errorf("metadata by_file scan: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CommittedDocID implements MetadataStore.
func (s *SQLiteMetadataStore) CommittedDocID(ctx context.Context) (DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = 'committed_doc_id'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata committed_doc_id: %w", err)
	}
	var id DocID
	if _, err := fmt.Sscanf(value, "%d", &id); err != nil {
		return 0, fmt.Errorf("metadata committed_doc_id parse: %w", err)
	}
	return id, nil
}

// SetCommittedDocID implements MetadataStore.
func (s *SQLiteMetadataStore) SetCommittedDocID(ctx context.Context, id DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO state (key, value) VALUES ('committed_doc_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", id))
	if err != nil {
		return fmt.Errorf("metadata set committed_doc_id: %w", err)
	}
	return nil
}

// Close implements MetadataStore.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		_ = s.db.Close()
		_ = s.lock.Unlock()
		return fmt.Errorf("metadata checkpoint: %w", err)
	}
	if err := s.db.Close(); err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("metadata close: %w", err)
	}
	return s.lock.Unlock()
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)
