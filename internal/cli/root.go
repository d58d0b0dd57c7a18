// Package cli implements the judger command line client.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coderunr/judger/internal/version"
)

// NewRootCommand builds the judger command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "judger",
		Short:   "judger CLI - Judge programs against expected output",
		Long:    `A command line interface for the judger service.`,
		Version: version.String(),
		// main prints the error once
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:2000", "judger API URL")
	rootCmd.PersistentFlags().Bool("local", false, "Judge in this process instead of calling a server")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file for --local")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		NewJudgeCommand(),
		NewRunCommand(),
		NewLanguagesCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
