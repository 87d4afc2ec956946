package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

// newTestCmdForOutput returns a bare cobra.Command whose stdout is wired to
// w, for exercising output-formatting helpers without a real CLI invocation.
func newTestCmdForOutput(w io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(w)
	return cmd
}
