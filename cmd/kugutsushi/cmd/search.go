package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/search"
)

// searchOptions holds CLI flags for the search subcommand.
type searchOptions struct {
	topK int
	mode string // "hybrid" or "hybrid+rerank"
	json bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search against the indexed corpus",
		Long: `Search runs dense ANN + BM25 retrieval in parallel, fuses the two
ranked lists with Reciprocal Rank Fusion, and optionally rescores the
top candidates with a cross-encoder reranker.

Examples:
  kugutsushi-search search "地震 予防 対策"
  kugutsushi-search search "耐震基準" --top-k 5 --mode hybrid+rerank`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVar(&opts.topK, "top-k", 10, "number of results to return")
	cmd.Flags().StringVar(&opts.mode, "mode", "hybrid", "retrieval mode: hybrid, hybrid+rerank")
	cmd.Flags().BoolVar(&opts.json, "json", false, "output results as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	root := findRoot()

	c, err := openCorpus(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	engineConfig := search.EngineConfig{
		RetrievalK:   c.cfg.Search.RetrievalK,
		RerankTopK:   c.cfg.Search.RerankTopK,
		RerankWeight: c.cfg.Search.RerankWeight,
		RRFConstant:  c.cfg.Search.RRFConstant,
		DisableBM25:  !c.cfg.Search.UseBM25,
		UseRerank:    opts.mode == "hybrid+rerank",
	}

	engine, err := search.NewEngine(c.bm25, c.vector, c.embedder, c.metadata, engineConfig)
	if err != nil {
		return fmt.Errorf("build search engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	results, err := engine.Search(ctx, query, opts.topK)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return printResults(cmd, query, results)
}

func printResults(cmd *cobra.Command, query string, results []*search.SearchResult) error {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		_, err := fmt.Fprintf(out, "No results for %q\n", query)
		return err
	}

	if _, err := fmt.Fprintf(out, "Found %d results for %q:\n\n", len(results), query); err != nil {
		return err
	}
	for i, r := range results {
		if _, err := fmt.Fprintf(out, "%d. %s page %d (score: %.3f)\n", i+1, r.File, r.Page+1, r.Score); err != nil {
			return err
		}
		snippet := r.Text
		if len(snippet) > 160 {
			snippet = snippet[:160] + "..."
		}
		if _, err := fmt.Fprintf(out, "   %s\n\n", strings.ReplaceAll(snippet, "\n", " ")); err != nil {
			return err
		}
	}
	return nil
}
