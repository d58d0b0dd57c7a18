package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderunr/judger/internal/version"
)

func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version information for the judger CLI.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "judger CLI v%s\n", version.String())
			fmt.Fprintln(cmd.OutOrStdout(), "Compatible with judger API v1")
		},
	}

	return cmd
}
