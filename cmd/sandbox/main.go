package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox - run untrusted programs against test inputs",
	Long: `Sandbox runs a submitted program inside isolated Docker containers, once per
test input, and reports every outcome along with an overall verdict.

Jobs are submitted over HTTP (sandbox serve) or run directly from a job file
(sandbox run). Finished jobs stay in the configured store until they expire.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./sandbox.yaml or ~/.sandbox/sandbox.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
