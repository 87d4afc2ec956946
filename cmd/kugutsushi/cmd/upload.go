package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/ui"
)

type uploadOptions struct {
	recursive bool
}

func newUploadCmd() *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Ingest one or more PDFs into the corpus",
		Long: `Upload extracts pages from each PDF, filters out non-content pages,
chunks the remaining text, embeds the chunks, and appends them to the
vector index, BM25 index, and metadata store in that order. Call it
once per batch; the corpus is saved to disk at the end of the run.

Examples:
  kugutsushi-search upload report.pdf
  kugutsushi-search upload ./corpus --recursive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.recursive, "recursive", "r", false, "recurse into subdirectories when path is a directory")
	return cmd
}

func runUpload(ctx context.Context, cmd *cobra.Command, path string, opts uploadOptions) error {
	out := cmd.OutOrStdout()
	root := findRoot()

	c, err := openCorpus(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	builder, err := c.newBuilder()
	if err != nil {
		return fmt.Errorf("build indexer: %w", err)
	}

	files, err := collectPDFs(path, opts.recursive)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .pdf files found under %s", path)
	}

	renderer := ui.NewRenderer(ui.NewConfig(out, ui.WithNoColor(ui.DetectNoColor()), ui.WithProjectDir(root)))
	if err := renderer.Start(ctx); err != nil {
		return fmt.Errorf("start progress renderer: %w", err)
	}
	defer func() { _ = renderer.Stop() }()

	start := time.Now()
	totalChunks := 0
	skipped := 0
	failed := 0
	for i, f := range files {
		if builder.IsProcessed(f) {
			skipped++
			continue
		}
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage: ui.StageIndexing, Current: i + 1, Total: len(files), CurrentFile: f,
		})
		result, err := builder.AddPDFFile(ctx, f)
		if err != nil {
			failed++
			renderer.AddError(ui.ErrorEvent{File: f, Err: err})
			continue
		}
		totalChunks += result.NChunks
	}

	if err := builder.Save(ctx); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	backend := c.cfg.Embeddings.Provider
	if backend == "" {
		backend = "ollama"
	}
	renderer.Complete(ui.CompletionStats{
		Files:    len(files) - skipped,
		Chunks:   totalChunks,
		Duration: time.Since(start),
		Errors:   failed,
		Stages:   ui.StageTimings{Index: time.Since(start)},
		Embedder: ui.EmbedderInfo{
			Backend:    backend,
			Model:      c.embedder.ModelName(),
			Dimensions: c.embedder.Dimensions(),
		},
	})

	fmt.Fprintf(out, "%d already processed\n", skipped)
	return nil
}

// collectPDFs resolves path to a list of .pdf files: itself if it is a
// file, or its (optionally recursive) directory listing otherwise.
func collectPDFs(path string, recursive bool) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".pdf") {
			files = append(files, p)
		}
		return nil
	}
	if err := filepath.WalkDir(path, walk); err != nil {
		return nil, err
	}
	return files, nil
}
