// Package main provides the entry point for the kugutsushi-search CLI.
package main

import (
	"os"

	"github.com/kugutsushi/kugutsushi-search/cmd/kugutsushi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
