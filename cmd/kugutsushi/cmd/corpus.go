package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kugutsushi/kugutsushi-search/internal/config"
	"github.com/kugutsushi/kugutsushi-search/internal/embed"
	"github.com/kugutsushi/kugutsushi-search/internal/errors"
	"github.com/kugutsushi/kugutsushi-search/internal/index"
	"github.com/kugutsushi/kugutsushi-search/internal/pdf"
	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

// embedderRetryConfig retries embedder construction briefly: a local Ollama
// server started moments ago may still be loading, and the first connection
// attempt can lose that race.
func embedderRetryConfig() errors.RetryConfig {
	cfg := errors.DefaultRetryConfig()
	cfg.MaxRetries = 2
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}

// corpus bundles the three backing stores plus the embedder for a data
// directory, so the search/upload/status/reindex commands all open the
// same dependency graph the same way.
type corpus struct {
	cfg      *config.Config
	dataDir  string
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   *store.IVFPQIndex
	embedder embed.Embedder
}

// openCorpus loads config for root, then opens (or creates) the three
// stores under cfg.Paths.DataDir. Callers must call Close.
func openCorpus(ctx context.Context, root string) (*corpus, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "load config", err)
	}

	dataDir := cfg.Paths.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}

	metadata, err := store.NewSQLiteMetadataStore(ctx, filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return nil, errors.New(errors.ErrCodePersistenceFailure, "open metadata store", err)
	}

	bm25, err := store.NewSQLiteBM25Index(ctx, filepath.Join(dataDir, "bm25.db"))
	if err != nil {
		_ = metadata.Close()
		return nil, errors.New(errors.ErrCodePersistenceFailure, "open bm25 index", err)
	}

	var embedder embed.Embedder
	retryErr := errors.Retry(ctx, embedderRetryConfig(), func() error {
		e, embedErr := embed.NewEmbedder(ctx, embed.ParseProvider(cfg.Embeddings.Provider), cfg.Embeddings.Model)
		if embedErr != nil {
			return embedErr
		}
		embedder = e
		return nil
	})
	if retryErr != nil {
		_ = metadata.Close()
		_ = bm25.Close()
		return nil, errors.New(errors.ErrCodeEmbedderFailure, "create embedder", retryErr)
	}

	dims := cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = embedder.Dimensions()
	}
	vector := store.NewIVFPQIndexWithOptions(dims, store.IVFPQOptions{
		NList:     cfg.Vector.NList,
		M:         cfg.Vector.M,
		NBits:     cfg.Vector.NBits,
		NProbe:    cfg.Vector.NProbe,
		KFactorRF: cfg.Vector.KFactorRF,
	})
	vectorPath := filepath.Join(dataDir, "vector.idx")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if err := vector.Load(vectorPath); err != nil {
			_ = metadata.Close()
			_ = bm25.Close()
			_ = embedder.Close()
			return nil, errors.New(errors.ErrCodeIntegrityFailure, "load vector index", err)
		}
	}

	return &corpus{
		cfg:      cfg,
		dataDir:  dataDir,
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
	}, nil
}

func (c *corpus) Close() error {
	var first error
	if err := c.metadata.Close(); err != nil && first == nil {
		first = err
	}
	if err := c.bm25.Close(); err != nil && first == nil {
		first = err
	}
	if err := c.embedder.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// newBuilder wraps the corpus's open stores in an index.Builder using a
// best-effort heuristic PDF text extractor (internal/pdf), since real PDF
// parsing is outside this repo's scope; callers embedding this package for
// production use are expected to supply their own index.PageExtractor.
func (c *corpus) newBuilder() (*index.Builder, error) {
	return index.NewBuilder(index.BuilderConfig{
		DataDir:      c.dataDir,
		Metadata:     c.metadata,
		BM25:         c.bm25,
		Vector:       c.vector,
		Embedder:     c.embedder,
		Extractor:    pdf.NewHeuristicExtractor(),
		ChunkSize:    c.cfg.Search.ChunkSize,
		ChunkOverlap: c.cfg.Search.ChunkOverlap,
		BatchSize:    c.cfg.Embeddings.BatchSize,
	})
}
