package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSubmission is returned when a submission fails validation before execution
var ErrInvalidSubmission = errors.New("invalid submission")

// Verdict is the final classification of a submission
type Verdict string

const (
	VerdictAccepted            Verdict = "AC"
	VerdictWrongAnswer         Verdict = "WA"
	VerdictRuntimeError        Verdict = "RE"
	VerdictTimeLimitExceeded   Verdict = "TLE"
	VerdictMemoryLimitExceeded Verdict = "MLE"
	VerdictCompileError        Verdict = "CE"
	VerdictUnknown             Verdict = "UNKNOWN"
	// VerdictInternalError marks an operational fault, never a judging outcome.
	VerdictInternalError Verdict = "IE"
)

// Phase identifies which sandboxed step produced an outcome
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Mode selects between judging against an expected answer and a plain run
type Mode string

const (
	ModeJudge Mode = "judge"
	ModeRun   Mode = "run"
)

// Submission is one request to compile, run and optionally judge a program.
// Each inline/path pair is exclusive: inline text is a pointer so that an
// explicitly empty value is distinguishable from an absent one.
type Submission struct {
	Language         string  `json:"language"`
	TimeLimitSeconds float64 `json:"time_limit_seconds"`
	MemoryLimitMb    int64   `json:"memory_limit_mb"`

	SourceCode     *string `json:"source_code,omitempty"`
	SourceCodePath string  `json:"source_code_path,omitempty"`

	InputData *string `json:"input_data,omitempty"`
	InputPath string  `json:"input_path,omitempty"`

	ExpectedOutput     *string `json:"expected_output,omitempty"`
	ExpectedOutputPath string  `json:"expected_output_path,omitempty"`
}

// Validate checks the exclusive pairs. Input is optional; the expected output
// is required only when judging.
func (s *Submission) Validate(mode Mode) error {
	if s.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidSubmission)
	}
	if s.TimeLimitSeconds < 0 {
		return fmt.Errorf("%w: time_limit_seconds must be non-negative", ErrInvalidSubmission)
	}
	if s.MemoryLimitMb < 0 {
		return fmt.Errorf("%w: memory_limit_mb must be non-negative", ErrInvalidSubmission)
	}
	if err := checkPair("source_code", s.SourceCode, s.SourceCodePath, true); err != nil {
		return err
	}
	if err := checkPair("input_data", s.InputData, s.InputPath, false); err != nil {
		return err
	}
	if mode == ModeJudge {
		return checkPair("expected_output", s.ExpectedOutput, s.ExpectedOutputPath, true)
	}
	if s.ExpectedOutput != nil || s.ExpectedOutputPath != "" {
		return fmt.Errorf("%w: expected_output is not accepted by a custom run", ErrInvalidSubmission)
	}
	return nil
}

// UsesPaths reports whether any payload refers to a file on the judge host
func (s *Submission) UsesPaths() bool {
	return s.SourceCodePath != "" || s.InputPath != "" || s.ExpectedOutputPath != ""
}

func checkPair(name string, inline *string, path string, required bool) error {
	switch {
	case inline != nil && path != "":
		return fmt.Errorf("%w: %s and %s_path are mutually exclusive", ErrInvalidSubmission, name, name)
	case inline == nil && path == "" && required:
		return fmt.Errorf("%w: one of %s or %s_path is required", ErrInvalidSubmission, name, name)
	}
	return nil
}

// JudgeRequest is the wire form of a submission. Version is an optional
// semver constraint on the language version.
type JudgeRequest struct {
	Submission
	Version string `json:"version,omitempty"`
}

// ExecutionOutcome represents the result of one sandboxed phase
type ExecutionOutcome struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	WallTime time.Duration `json:"wall_time"`
}

// Result is the unified response for a submission
type Result struct {
	SubmissionID string            `json:"submission_id"`
	Language     string            `json:"language"`
	Version      string            `json:"version,omitempty"`
	Verdict      Verdict           `json:"verdict"`
	Output       *string           `json:"output,omitempty"`
	Compile      *ExecutionOutcome `json:"compile,omitempty"`
	Run          *ExecutionOutcome `json:"run,omitempty"`
	Error        string            `json:"error,omitempty"`
	CleanupError string            `json:"cleanup_error,omitempty"`
}

// LanguageInfo describes a registered language for API responses
type LanguageInfo struct {
	Language  string   `json:"language"`
	Version   string   `json:"version"`
	Aliases   []string `json:"aliases"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Mode    Mode        `json:"mode,omitempty"`
	State   string      `json:"state,omitempty"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
