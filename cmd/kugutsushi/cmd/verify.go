package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/config"
	"github.com/kugutsushi/kugutsushi-search/internal/index"
	"github.com/kugutsushi/kugutsushi-search/internal/store"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the metadata, BM25, and vector stores agree",
		Long: `Verify opens the three backing stores and checks that they report
the same document count; BM25 posting lists are not inspected.
A mismatch means the corpus was left
in a divergent state, usually by a crash mid-ingest, and needs a full
'kugutsushi-search reindex'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), cmd)
		},
	}
	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	root := findRoot()

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataDir := cfg.Paths.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}

	metadata, err := store.NewSQLiteMetadataStore(ctx, filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25, err := store.NewSQLiteBM25Index(ctx, filepath.Join(dataDir, "bm25.db"))
	if err != nil {
		return fmt.Errorf("open bm25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	dims := cfg.Embeddings.Dimensions
	vector := store.NewIVFPQIndexWithOptions(dims, store.IVFPQOptions{
		NList:     cfg.Vector.NList,
		M:         cfg.Vector.M,
		NBits:     cfg.Vector.NBits,
		NProbe:    cfg.Vector.NProbe,
		KFactorRF: cfg.Vector.KFactorRF,
	})
	vectorPath := filepath.Join(dataDir, "vector.idx")
	if err := vector.Load(vectorPath); err != nil {
		return fmt.Errorf("load vector index: %w", err)
	}

	checker := index.NewConsistencyChecker(metadata, bm25, vector)
	result, err := checker.Check(ctx)
	if err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return err
	}

	fmt.Fprintf(out, "OK: %d docs, committed_doc_id=%d (checked in %s)\n",
		result.MetadataCount, result.CommittedDocID, result.Duration.Round(1000000))
	return nil
}
