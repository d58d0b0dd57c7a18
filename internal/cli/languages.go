package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coderunr/judger/internal/types"
)

func NewLanguagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "languages",
		Aliases: []string{"ls", "list"},
		Short:   "List the languages the judge accepts",
		Long: `List every registered language with its version and aliases.

Examples:
  # List languages known to the server
  judger languages

  # Show extensions and whether a compile step runs
  judger languages -v`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			backend, err := newBackend(cmd)
			if err != nil {
				return err
			}
			languages, err := backend.Languages(cmd.Context())
			if err != nil {
				return err
			}

			printLanguages(cmd.OutOrStdout(), languages, verbose)
			return nil
		},
	}

	return cmd
}

func printLanguages(out io.Writer, languages []types.LanguageInfo, verbose bool) {
	if len(languages) == 0 {
		fmt.Fprintln(out, "No languages available")
		return
	}

	sort.Slice(languages, func(i, j int) bool {
		return languages[i].Language < languages[j].Language
	})

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	if !verbose {
		fmt.Fprintf(out, "Available languages (%d):\n\n", len(languages))
		for _, l := range languages {
			bold.Fprintf(out, "%-15s", l.Language+":")
			cyan.Fprintf(out, " %s\n", l.Version)
		}
		fmt.Fprintln(out, "\nUse --verbose flag for aliases and compile details.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tVERSION\tEXTENSION\tCOMPILED\tALIASES")
	fmt.Fprintln(w, "--------\t-------\t---------\t--------\t-------")
	for _, l := range languages {
		aliases := strings.Join(l.Aliases, ", ")
		if aliases == "" {
			aliases = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t.%s\t%t\t%s\n", l.Language, l.Version, l.Extension, l.Compiled, aliases)
	}
	w.Flush()
}
