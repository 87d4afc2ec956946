package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/index"
	"github.com/kugutsushi/kugutsushi-search/internal/ui"
)

func newReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the corpus from processed_files.json",
		Long: `Reindex discards the existing metadata, BM25, and vector stores and
re-ingests every PDF recorded in processed_files.json from scratch.
Use this after changing the embedding model or chunking parameters,
since neither can be applied retroactively to an existing index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), cmd)
		},
	}
	return cmd
}

func runReindex(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	root := findRoot()

	c, err := openCorpus(ctx, root)
	if err != nil {
		return err
	}

	processedPath := filepath.Join(c.dataDir, "processed_files.json")
	processed, err := index.LoadProcessedFiles(processedPath)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("load processed files: %w", err)
	}
	if processed.Count() == 0 {
		_ = c.Close()
		return fmt.Errorf("no processed files recorded under %s; nothing to reindex", c.dataDir)
	}
	paths := processed.Paths()
	_ = c.Close()

	if err := resetStores(c.dataDir); err != nil {
		return fmt.Errorf("reset stores: %w", err)
	}

	c, err = openCorpus(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	builder, err := c.newBuilder()
	if err != nil {
		return fmt.Errorf("build indexer: %w", err)
	}

	renderer := ui.NewRenderer(ui.NewConfig(out, ui.WithNoColor(ui.DetectNoColor()), ui.WithProjectDir(root)))
	if err := renderer.Start(ctx); err != nil {
		return fmt.Errorf("start progress renderer: %w", err)
	}
	defer func() { _ = renderer.Stop() }()

	start := time.Now()
	total := 0
	failed := 0
	for i, p := range paths {
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage: ui.StageIndexing, Current: i + 1, Total: len(paths), CurrentFile: p,
		})
		result, err := builder.AddPDFFile(ctx, p)
		if err != nil {
			failed++
			renderer.AddError(ui.ErrorEvent{File: p, Err: err})
			continue
		}
		total += result.NChunks
	}

	if err := builder.Save(ctx); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	renderer.Complete(ui.CompletionStats{
		Files:    len(paths) - failed,
		Chunks:   total,
		Duration: time.Since(start),
		Errors:   failed,
		Stages:   ui.StageTimings{Index: time.Since(start)},
	})
	return nil
}

// resetStores removes the on-disk stores under dataDir so reindex starts
// from an empty corpus, while leaving processed_files.json untouched since
// it is the source of truth for what to re-ingest.
func resetStores(dataDir string) error {
	for _, name := range []string{"metadata.db", "bm25.db", "vector.idx", "index_state.json"} {
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
