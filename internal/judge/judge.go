// Package judge runs submissions through the compile, run and compare
// pipeline. Every call owns a fresh workspace and sandbox, both released
// before the call returns.
package judge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/language"
	"github.com/coderunr/judger/internal/metrics"
	"github.com/coderunr/judger/internal/sandbox"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/verdict"
	"github.com/coderunr/judger/internal/workspace"
)

// Observer is notified of every state a submission enters
type Observer func(id string, state State)

type options struct {
	observer Observer
	version  string
}

// Option customizes a single Judge or CustomRun call
type Option func(*options)

// WithObserver registers a callback for state transitions
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithVersion pins the language to a semver constraint such as "~3.12"
func WithVersion(constraint string) Option {
	return func(o *options) { o.version = constraint }
}

// Manager handles submission execution
type Manager struct {
	config     *config.Config
	registry   *language.Registry
	workspaces *workspace.Manager
	provider   sandbox.Provider
	slots      *semaphore.Weighted
	newID      func() string
	logger     *logrus.Entry
}

// NewManager creates a new judge manager
func NewManager(cfg *config.Config, registry *language.Registry, workspaces *workspace.Manager, provider sandbox.Provider) *Manager {
	return &Manager{
		config:     cfg,
		registry:   registry,
		workspaces: workspaces,
		provider:   provider,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		newID:      func() string { return uuid.New().String() },
		logger:     logrus.WithField("component", "judge"),
	}
}

// Registry returns the language registry the manager resolves against
func (m *Manager) Registry() *language.Registry {
	return m.registry
}

// Judge compiles and runs the submission, then compares its output with the
// expected output. Configuration errors are returned without a result.
// Operational faults return a result with the IE verdict and a *FaultError.
func (m *Manager) Judge(ctx context.Context, sub *types.Submission, opts ...Option) (*types.Result, error) {
	return m.execute(ctx, types.ModeJudge, sub, opts)
}

// CustomRun is Judge without the comparison: a program that exits cleanly is
// AC and Result.Output carries what it printed.
func (m *Manager) CustomRun(ctx context.Context, sub *types.Submission, opts ...Option) (*types.Result, error) {
	return m.execute(ctx, types.ModeRun, sub, opts)
}

func (m *Manager) execute(ctx context.Context, mode types.Mode, sub *types.Submission, opts []Option) (*types.Result, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := sub.Validate(mode); err != nil {
		return nil, err
	}

	profile, err := m.resolve(sub.Language, o.version)
	if err != nil {
		return nil, err
	}

	timeLimit, memoryMb, err := m.limits(sub)
	if err != nil {
		return nil, err
	}

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire job slot: %w", err)
	}
	defer m.slots.Release(1)

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	id := m.newID()
	s := &submission{
		id:        id,
		mode:      mode,
		payload:   sub,
		profile:   profile,
		timeLimit: timeLimit,
		memoryMb:  memoryMb,
		observer:  o.observer,
		manager:   m,
		logger: m.logger.WithFields(logrus.Fields{
			"submission_id": id,
			"language":      profile.Language(),
			"mode":          mode,
		}),
	}

	// Once started, only the time limit stops a submission
	return s.execute(context.WithoutCancel(ctx))
}

func (m *Manager) resolve(tag, version string) (language.Profile, error) {
	if version != "" {
		return m.registry.ResolveVersion(tag, version)
	}
	return m.registry.Resolve(tag)
}

func (m *Manager) limits(sub *types.Submission) (time.Duration, int64, error) {
	if sub.TimeLimitSeconds > m.config.MaxTimeLimitSeconds {
		return 0, 0, fmt.Errorf("%w: time_limit_seconds exceeds the maximum of %g",
			types.ErrInvalidSubmission, m.config.MaxTimeLimitSeconds)
	}
	if sub.MemoryLimitMb > m.config.MaxMemoryLimitMb {
		return 0, 0, fmt.Errorf("%w: memory_limit_mb exceeds the maximum of %d",
			types.ErrInvalidSubmission, m.config.MaxMemoryLimitMb)
	}
	return m.config.TimeLimit(sub.TimeLimitSeconds), m.config.MemoryLimitMb(sub.MemoryLimitMb), nil
}

// submission is one pipeline invocation
type submission struct {
	id        string
	mode      types.Mode
	payload   *types.Submission
	profile   language.Profile
	timeLimit time.Duration
	memoryMb  int64
	state     State
	observer  Observer
	manager   *Manager
	logger    *logrus.Entry

	workspace *workspace.Workspace
	sandbox   sandbox.Sandbox
}

func (s *submission) execute(ctx context.Context) (result *types.Result, err error) {
	start := time.Now()
	result = &types.Result{
		SubmissionID: s.id,
		Language:     s.profile.Language(),
		Version:      s.profile.Version().String(),
	}

	s.transition(StateCreated)
	s.logger.Info("Executing submission")

	defer func() {
		if cleanupErr := s.cleanup(); cleanupErr != nil {
			result.CleanupError = cleanupErr.Error()
		}

		if err != nil {
			s.logger.WithError(err).Error("Submission aborted")
			result.Verdict = types.VerdictInternalError
			result.Error = err.Error()
			s.transition(StateAborted)
		} else {
			s.transition(StateDone)
		}

		metrics.SubmissionsTotal.WithLabelValues(result.Language, string(s.mode), string(result.Verdict)).Inc()
		metrics.PhaseDuration.WithLabelValues(result.Language, "total").Observe(time.Since(start).Seconds())
		s.logger.WithField("verdict", result.Verdict).Info("Submission finished")
	}()

	if err := s.stage(); err != nil {
		return result, s.fault(err)
	}

	if err := s.acquire(ctx); err != nil {
		return result, s.fault(err)
	}

	if s.profile.Compiled() {
		outcome, err := s.compile(ctx)
		if err != nil {
			return result, s.fault(err)
		}
		result.Compile = outcome
		if v := verdict.Classify(types.PhaseCompile, outcome.ExitCode, false); v == types.VerdictCompileError {
			result.Verdict = v
			return result, nil
		}
		s.transition(StateCompiled)
	} else {
		s.transition(StateSkipped)
	}

	outcome, err := s.run(ctx)
	if err != nil {
		return result, s.fault(err)
	}
	result.Run = outcome
	s.transition(StateRun)

	if outcome.ExitCode != verdict.ExitSuccess {
		result.Verdict = verdict.Classify(types.PhaseRun, outcome.ExitCode, false)
		return result, nil
	}

	actual, err := s.manager.workspaces.ReadOutput(s.workspace, s.manager.config.MaxFileSize)
	if err != nil {
		return result, s.fault(err)
	}

	if s.mode == types.ModeRun {
		output := string(actual)
		result.Output = &output
		result.Verdict = verdict.Classify(types.PhaseRun, outcome.ExitCode, true)
		return result, nil
	}

	expected, err := s.manager.workspaces.ReadExpected(s.workspace)
	if err != nil {
		return result, s.fault(err)
	}
	result.Verdict = verdict.Classify(types.PhaseRun, outcome.ExitCode, verdict.OutputsMatch(actual, expected))
	s.transition(StateCompared)

	return result, nil
}

// stage resolves the payloads, then provisions and fills the workspace
func (s *submission) stage() error {
	program, err := load(s.payload.SourceCode, s.payload.SourceCodePath)
	if err != nil {
		return fmt.Errorf("failed to load source code: %w", err)
	}
	input, err := load(s.payload.InputData, s.payload.InputPath)
	if err != nil {
		return fmt.Errorf("failed to load input: %w", err)
	}
	var expected []byte
	if s.mode == types.ModeJudge {
		expected, err = load(s.payload.ExpectedOutput, s.payload.ExpectedOutputPath)
		if err != nil {
			return fmt.Errorf("failed to load expected output: %w", err)
		}
		if expected == nil {
			expected = []byte{}
		}
	}

	ws, err := s.manager.workspaces.Provision(s.id)
	if err != nil {
		return err
	}
	s.workspace = ws

	if err := s.manager.workspaces.Stage(ws, language.SourceFile(s.profile), program, input, expected); err != nil {
		return err
	}

	s.transition(StateStaged)
	return nil
}

func (s *submission) acquire(ctx context.Context) error {
	memoryMb := s.memoryMb
	if s.profile.Compiled() {
		memoryMb = max(memoryMb, s.manager.config.CompileMemoryLimitMb)
	}

	start := time.Now()
	sb, err := s.manager.provider.Acquire(ctx, sandbox.Spec{
		SubmissionID:  s.id,
		WorkspaceDir:  s.workspace.Dir,
		Image:         s.profile.Image(),
		MemoryLimitMb: memoryMb,
	})
	if err != nil {
		return err
	}
	metrics.SandboxAcquireDuration.WithLabelValues(s.manager.provider.Name()).Observe(time.Since(start).Seconds())

	s.sandbox = sb
	return nil
}

func (s *submission) compile(ctx context.Context) (*types.ExecutionOutcome, error) {
	args, err := s.profile.CompileCommand(s.binding(s.manager.config.CompileMemoryLimitMb))
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Running compile stage")
	outcome, err := s.sandbox.Exec(ctx, sandbox.Command{
		Args:          args,
		Timeout:       s.manager.config.CompileTimeout,
		MemoryLimitMb: s.manager.config.CompileMemoryLimitMb,
		MaxFileSize:   s.manager.config.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("compile stage failed: %w", err)
	}
	metrics.PhaseDuration.WithLabelValues(s.profile.Language(), string(types.PhaseCompile)).Observe(outcome.WallTime.Seconds())
	return outcome, nil
}

func (s *submission) run(ctx context.Context) (*types.ExecutionOutcome, error) {
	args, err := s.profile.RunCommand(s.binding(s.memoryMb))
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Running execution stage")
	outcome, err := s.sandbox.Exec(ctx, sandbox.Command{
		Args:          args,
		StdinFile:     workspace.InputFile,
		StdoutFile:    workspace.OutputFile,
		Timeout:       s.timeLimit,
		MemoryLimitMb: s.memoryMb,
		MaxFileSize:   s.manager.config.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("run stage failed: %w", err)
	}
	metrics.PhaseDuration.WithLabelValues(s.profile.Language(), string(types.PhaseRun)).Observe(outcome.WallTime.Seconds())
	return outcome, nil
}

func (s *submission) binding(memoryMb int64) language.Binding {
	return language.Binding{SubmissionID: s.id, MemoryLimitMb: memoryMb}
}

// cleanup releases the sandbox and destroys the workspace. Both are always
// attempted; failures are reported together.
func (s *submission) cleanup() error {
	var errs []error

	if s.sandbox != nil {
		if err := s.sandbox.Release(context.Background()); err != nil {
			metrics.CleanupFailures.WithLabelValues("sandbox").Inc()
			errs = append(errs, err)
		}
	}

	if s.workspace != nil {
		if err := s.manager.workspaces.Destroy(s.workspace); err != nil {
			metrics.CleanupFailures.WithLabelValues("workspace").Inc()
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.WithError(err).Error("Failed to clean up submission")
	}
	return err
}

func (s *submission) transition(state State) {
	s.state = state
	s.logger.WithField("state", state).Debug("State transition")
	if s.observer != nil {
		s.observer(s.id, state)
	}
}

func (s *submission) fault(err error) error {
	return &FaultError{State: s.state, Err: err}
}

// load returns inline content, the content of path, or nil when both are unset
func load(inline *string, path string) ([]byte, error) {
	if inline != nil {
		return []byte(*inline), nil
	}
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}
