// Package cmd provides the CLI commands for kugutsushi-search.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kugutsushi/kugutsushi-search/internal/config"
	kerrors "github.com/kugutsushi/kugutsushi-search/internal/errors"
	"github.com/kugutsushi/kugutsushi-search/internal/logging"
	"github.com/kugutsushi/kugutsushi-search/pkg/version"
)

var debugMode bool

// NewRootCmd creates the root command for kugutsushi-search.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kugutsushi-search",
		Short: "Hybrid BM25 + dense-vector search over a corpus of Japanese PDFs",
		Long: `kugutsushi-search indexes Japanese-language PDFs into a local corpus and
serves hybrid retrieval over it: a BM25 inverted index fused with an
IVF+PQ approximate nearest-neighbor index via Reciprocal Rank Fusion,
optionally rescored by a cross-encoder reranker.

Run 'kugutsushi-search upload <path>' to build an index, then
'kugutsushi-search search "<query>"' to query it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("kugutsushi-search version {{.Version}}\n")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	cmd.PersistentPreRunE = setupLogging

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logger, _, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// Execute runs the root command, printing a user-formatted error on failure
// in place of cobra's default raw error line.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, kerrors.FormatForCLI(err))
	}
	return err
}

// findRoot resolves the corpus root the same way every subcommand does:
// the nearest ancestor directory carrying an embeddings/ dir or a
// .kugutsushi-search.yaml, falling back to the current directory.
func findRoot() string {
	root, err := config.FindCorpusRoot(".")
	if err != nil {
		cwd, _ := os.Getwd()
		return cwd
	}
	return root
}
