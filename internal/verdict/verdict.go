// Package verdict maps sandbox exit statuses and output comparison to verdicts.
// It is the only place that interprets exit codes.
package verdict

import (
	"bytes"

	"github.com/coderunr/judger/internal/types"
)

// Sentinel exit codes reported by sandbox providers (128 + signal).
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitMemoryKill   = 137 // SIGKILL
	ExitTimeKill     = 143 // SIGTERM
	ExitFileSizeKill = 153 // SIGXFSZ
)

// Classify maps one phase outcome to a verdict. outputsEqual is only
// consulted for a successful run.
func Classify(phase types.Phase, exitCode int, outputsEqual bool) types.Verdict {
	if phase == types.PhaseCompile {
		if exitCode != ExitSuccess {
			return types.VerdictCompileError
		}
		return types.VerdictAccepted
	}

	switch exitCode {
	case ExitSuccess:
		if outputsEqual {
			return types.VerdictAccepted
		}
		return types.VerdictWrongAnswer
	case ExitRuntimeError:
		return types.VerdictRuntimeError
	case ExitTimeKill:
		return types.VerdictTimeLimitExceeded
	case ExitMemoryKill:
		return types.VerdictMemoryLimitExceeded
	default:
		return types.VerdictUnknown
	}
}

// OutputsMatch compares outputs with leading and trailing whitespace removed.
// Internal whitespace is significant.
func OutputsMatch(actual, expected []byte) bool {
	return bytes.Equal(bytes.TrimSpace(actual), bytes.TrimSpace(expected))
}

// SignalName describes a sentinel exit code, or "" for ordinary codes.
func SignalName(exitCode int) string {
	switch exitCode {
	case ExitMemoryKill:
		return "SIGKILL"
	case ExitTimeKill:
		return "SIGTERM"
	case ExitFileSizeKill:
		return "SIGXFSZ"
	}
	return ""
}
