package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coderunr/judger/internal/types"
)

// errRejected is returned when a submission completes without AC so scripts
// can rely on the exit status
var errRejected = errors.New("submission was not accepted")

type submitOptions struct {
	languageVersion string
	inputFile       string
	expectedFile    string
	timeLimit       float64
	memoryLimit     int64
	byPath          bool
	stream          bool
	jsonOutput      bool
}

func NewJudgeCommand() *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "judge <language> <file>",
		Short: "Judge a source file against an expected output",
		Long: `Compile and run a source file, then compare what it prints with an expected output.

Examples:
  # Judge a C++ solution
  judger judge cpp main.cpp -i input.txt -e expected.txt

  # Judge with a tighter time limit and stream state changes
  judger judge py solution.py -e expected.txt -t 0.5 --stream

  # Judge in-process with the server configuration
  judger judge py solution.py -e expected.txt --local --config config.yaml`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.expectedFile == "" {
				return fmt.Errorf("--expected is required")
			}
			return submit(cmd, types.ModeJudge, args[0], args[1], opts)
		},
	}

	addSubmitFlags(cmd, opts)
	cmd.Flags().StringVarP(&opts.expectedFile, "expected", "e", "", "File holding the expected output")

	return cmd
}

func NewRunCommand() *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:     "run <language> <file>",
		Aliases: []string{"exec"},
		Short:   "Run a source file and print its output",
		Long: `Compile and run a source file without judging it.

Examples:
  # Run a Python script with input
  judger run python script.py -i input.txt

  # Run a specific language version
  judger run py script.py -l "~3.12"`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, types.ModeRun, args[0], args[1], opts)
		},
	}

	addSubmitFlags(cmd, opts)

	return cmd
}

func addSubmitFlags(cmd *cobra.Command, opts *submitOptions) {
	cmd.Flags().StringVarP(&opts.languageVersion, "language-version", "l", "", "Language version constraint")
	cmd.Flags().StringVarP(&opts.inputFile, "input", "i", "", "File fed to the program on stdin")
	cmd.Flags().Float64VarP(&opts.timeLimit, "time-limit", "t", 0, "Time limit in seconds (server default when 0)")
	cmd.Flags().Int64VarP(&opts.memoryLimit, "memory-limit", "m", 0, "Memory limit in MB (server default when 0)")
	cmd.Flags().BoolVar(&opts.byPath, "by-path", false, "Send absolute file paths instead of file contents")
	cmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "Stream state changes over WebSocket")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the raw result as JSON")
}

func submit(cmd *cobra.Command, mode types.Mode, language, sourceFile string, opts *submitOptions) error {
	request, err := buildRequest(mode, language, sourceFile, opts)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	local, _ := cmd.Flags().GetBool("local")
	out := cmd.OutOrStdout()

	var result *types.Result
	if opts.stream && !local {
		url, _ := cmd.Flags().GetString("url")
		result, err = streamSubmission(cmd.Context(), url, mode, request, func(state string) {
			color.New(color.FgCyan).Fprintf(out, "-> %s\n", state)
		})
	} else {
		var backend Backend
		backend, err = newBackend(cmd)
		if err != nil {
			return err
		}
		result, err = backend.Submit(cmd.Context(), mode, request)
	}
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, result, verbose)
	}

	if result.Verdict != types.VerdictAccepted {
		return errRejected
	}
	return nil
}

// buildRequest turns command arguments into a wire request. Contents are
// read locally unless --by-path asks the judge to read them itself.
func buildRequest(mode types.Mode, language, sourceFile string, opts *submitOptions) (*types.JudgeRequest, error) {
	request := &types.JudgeRequest{
		Submission: types.Submission{
			Language:         language,
			TimeLimitSeconds: opts.timeLimit,
			MemoryLimitMb:    opts.memoryLimit,
		},
		Version: opts.languageVersion,
	}
	sub := &request.Submission

	var err error
	if sub.SourceCodePath, sub.SourceCode, err = payload(sourceFile, opts.byPath); err != nil {
		return nil, err
	}
	if opts.inputFile != "" {
		if sub.InputPath, sub.InputData, err = payload(opts.inputFile, opts.byPath); err != nil {
			return nil, err
		}
	}
	if mode == types.ModeJudge {
		if sub.ExpectedOutputPath, sub.ExpectedOutput, err = payload(opts.expectedFile, opts.byPath); err != nil {
			return nil, err
		}
	}

	return request, nil
}

func payload(filename string, byPath bool) (string, *string, error) {
	if byPath {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return "", nil, err
		}
		return abs, nil, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	text := string(content)
	return "", &text, nil
}

func printResult(w io.Writer, result *types.Result, verbose bool) {
	bold := color.New(color.Bold)

	if result.Compile != nil && (verbose || result.Verdict == types.VerdictCompileError) {
		printStage(w, "Compile", result.Compile, verbose)
	}
	if result.Run != nil && (verbose || result.Verdict != types.VerdictAccepted) {
		printStage(w, "Run", result.Run, verbose)
	}

	if result.Output != nil {
		bold.Fprintln(w, "OUTPUT")
		fmt.Fprint(w, indentLines(*result.Output))
	}

	fmt.Fprint(w, "Verdict: ")
	verdictColor(result.Verdict).Fprintf(w, "%s\n", result.Verdict)

	if result.Error != "" {
		fmt.Fprint(w, "Error: ")
		color.New(color.FgRed).Fprintf(w, "%s\n", result.Error)
	}
	if result.CleanupError != "" {
		fmt.Fprint(w, "Cleanup: ")
		color.New(color.FgYellow).Fprintf(w, "%s\n", result.CleanupError)
	}

	if verbose {
		fmt.Fprintf(w, "Submission: %s\n", result.SubmissionID)
		fmt.Fprintf(w, "Language: %s %s\n", result.Language, result.Version)
	}
}

func printStage(w io.Writer, stageName string, outcome *types.ExecutionOutcome, verbose bool) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	bold.Fprintf(w, "== %s ==\n", stageName)

	if outcome.Stdout != "" {
		bold.Fprintln(w, "STDOUT")
		fmt.Fprint(w, indentLines(outcome.Stdout))
	}

	if outcome.Stderr != "" {
		bold.Fprintln(w, "STDERR")
		fmt.Fprint(w, indentLines(outcome.Stderr))
	}

	fmt.Fprint(w, "Exit Code: ")
	if outcome.ExitCode == 0 {
		green.Fprintf(w, "%d\n", outcome.ExitCode)
	} else {
		red.Fprintf(w, "%d\n", outcome.ExitCode)
	}

	if outcome.Signal != "" {
		fmt.Fprint(w, "Signal: ")
		yellow.Fprintf(w, "%s\n", outcome.Signal)
	}

	if verbose {
		fmt.Fprintf(w, "Wall Time: %s\n", outcome.WallTime.Round(time.Millisecond))
	}

	fmt.Fprintln(w)
}

func verdictColor(v types.Verdict) *color.Color {
	switch v {
	case types.VerdictAccepted:
		return color.New(color.FgGreen, color.Bold)
	case types.VerdictUnknown, types.VerdictInternalError:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func indentLines(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
