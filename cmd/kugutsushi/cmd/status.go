package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/config"
	"github.com/kugutsushi/kugutsushi-search/internal/embed"
	"github.com/kugutsushi/kugutsushi-search/internal/store"
	"github.com/kugutsushi/kugutsushi-search/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus health and index statistics",
		Long: `Display the number of indexed files and chunks, on-disk store
sizes, embedder configuration, and whether the vector index has been
trained.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root := findRoot()
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dataDir := cfg.Paths.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found under %s\nrun 'kugutsushi-search upload <path>' to create one", dataDir)
	}

	info, err := collectStatus(ctx, root, dataDir, cfg)
	if err != nil {
		return fmt.Errorf("collect status: %w", err)
	}

	noColor := ui.DetectNoColor()
	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func collectStatus(ctx context.Context, root, dataDir string, cfg *config.Config) (ui.StatusInfo, error) {
	info := ui.StatusInfo{ProjectName: filepath.Base(root)}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteMetadataStore(ctx, metadataPath)
	if err != nil {
		return info, fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	count, err := metadata.Count(ctx)
	if err != nil {
		return info, fmt.Errorf("count metadata: %w", err)
	}
	info.TotalChunks = count

	files, err := metadata.Files(ctx)
	if err != nil {
		return info, fmt.Errorf("list files: %w", err)
	}
	info.TotalFiles = len(files)

	info.MetadataSize = getFileSize(metadataPath)
	info.BM25Size = getFileSize(filepath.Join(dataDir, "bm25.db"))
	info.VectorSize = getFileSize(filepath.Join(dataDir, "vector.idx"))
	info.TotalSize = info.MetadataSize + info.BM25Size + info.VectorSize

	bm25Path := filepath.Join(dataDir, "bm25.db")
	if bm25, err := store.NewSQLiteBM25Index(ctx, bm25Path); err == nil {
		defer func() { _ = bm25.Close() }()
		if stats, err := bm25.Stats(ctx); err == nil {
			info.VocabSize = stats.VocabSize
		}
	}

	info.EmbedderType = cfg.Embeddings.Provider
	if info.EmbedderType == "" {
		info.EmbedderType = string(embed.ProviderOllama)
	}
	info.EmbedderModel = cfg.Embeddings.Model
	info.EmbedderStatus = "ready"

	vector := store.NewIVFPQIndexWithOptions(cfg.Embeddings.Dimensions, store.IVFPQOptions{
		NList:     cfg.Vector.NList,
		M:         cfg.Vector.M,
		NBits:     cfg.Vector.NBits,
		NProbe:    cfg.Vector.NProbe,
		KFactorRF: cfg.Vector.KFactorRF,
	})
	vectorPath := filepath.Join(dataDir, "vector.idx")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr == nil {
			stats := vector.Stats()
			if stats.Trained {
				info.VectorStatus = "trained"
			} else {
				info.VectorStatus = fmt.Sprintf("temp (%d/%d vectors to train)", stats.Count, cfg.TrainingThreshold())
			}
		}
	}

	return info, nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// getFileSize returns the size of a file in bytes, or 0 if it doesn't exist.
func getFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
