package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/language"
	"github.com/coderunr/judger/internal/sandbox"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/workspace"
)

// fakeProvider echoes the staged program back as the run output unless
// output is set
type fakeProvider struct {
	mu          sync.Mutex
	compileExit int
	runExit     int
	output      *string
	skipOutput  bool
	acquireErr  error
	execErr     error
	releaseErr  error
	onRun       func(dir string)

	calls      []string
	fileLimits []int64
	acquired   int
	released int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Acquire(_ context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return &fakeSandbox{provider: p, dir: spec.WorkspaceDir}, nil
}

type fakeSandbox struct {
	provider *fakeProvider
	dir      string
}

func (s *fakeSandbox) Exec(_ context.Context, cmd sandbox.Command) (*types.ExecutionOutcome, error) {
	p := s.provider
	phase := "compile"
	if cmd.StdoutFile != "" {
		phase = "run"
	}

	p.mu.Lock()
	p.calls = append(p.calls, phase)
	p.fileLimits = append(p.fileLimits, cmd.MaxFileSize)
	execErr, compileExit, runExit, output, skipOutput, onRun := p.execErr, p.compileExit, p.runExit, p.output, p.skipOutput, p.onRun
	p.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if phase == "compile" {
		return &types.ExecutionOutcome{ExitCode: compileExit, Stderr: "compiler says no"}, nil
	}

	if onRun != nil {
		onRun(s.dir)
	}
	if !skipOutput {
		content := ""
		if output != nil {
			content = *output
		} else {
			matches, _ := filepath.Glob(filepath.Join(s.dir, language.ProgramName+".*"))
			if len(matches) == 1 {
				data, _ := os.ReadFile(matches[0])
				content = string(data)
			}
		}
		if err := os.WriteFile(filepath.Join(s.dir, cmd.StdoutFile), []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	return &types.ExecutionOutcome{ExitCode: runExit}, nil
}

func (s *fakeSandbox) Release(context.Context) error {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	s.provider.released++
	return s.provider.releaseErr
}

func testConfig(root string) *config.Config {
	return &config.Config{
		VolumeRoot:              root,
		MaxConcurrentJobs:       4,
		CompileTimeout:          5 * time.Second,
		CompileMemoryLimitMb:    512,
		DefaultTimeLimitSeconds: 1,
		DefaultMemoryLimitMb:    128,
		MaxTimeLimitSeconds:     10,
		MaxMemoryLimitMb:        1024,
		OutputMaxSize:           1024,
		MaxFileSize:             1 << 20,
	}
}

func newTestManager(t *testing.T, provider sandbox.Provider) (*Manager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "volume")
	cfg := testConfig(root)

	registry, err := language.NewRegistry(nil)
	require.NoError(t, err)
	workspaces, err := workspace.NewManager(root)
	require.NoError(t, err)

	return NewManager(cfg, registry, workspaces, provider), root
}

func requireNoWorkspaces(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be destroyed before the call returns")
}

func strPtr(s string) *string { return &s }

func TestJudgeRunExitTable(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		expected string
		verdict  types.Verdict
	}{
		{"equal output", 0, "Sum is 15\n", "Sum is 15", types.VerdictAccepted},
		{"different output", 0, "Sum is 16\n", "Sum is 15", types.VerdictWrongAnswer},
		{"runtime error", 1, "", "Sum is 15", types.VerdictRuntimeError},
		{"memory kill", 137, "", "Sum is 15", types.VerdictMemoryLimitExceeded},
		{"time kill", 143, "", "Sum is 15", types.VerdictTimeLimitExceeded},
		{"other exit", 99, "", "Sum is 15", types.VerdictUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{runExit: tt.exitCode, output: strPtr(tt.output)}
			m, root := newTestManager(t, provider)

			result, err := m.Judge(context.Background(), &types.Submission{
				Language:       "py",
				SourceCode:     strPtr("print('Sum is', 15)"),
				ExpectedOutput: strPtr(tt.expected),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.exitCode, result.Run.ExitCode)
			assert.Empty(t, result.CleanupError)
			assert.Equal(t, 1, provider.released)
			requireNoWorkspaces(t, root)
		})
	}
}

func TestCompileErrorSkipsRun(t *testing.T) {
	for _, exitCode := range []int{1, 2, 137} {
		provider := &fakeProvider{compileExit: exitCode}
		m, root := newTestManager(t, provider)

		result, err := m.Judge(context.Background(), &types.Submission{
			Language:       "cpp",
			SourceCode:     strPtr("int main() { return }"),
			ExpectedOutput: strPtr("Hello"),
		})
		require.NoError(t, err)
		assert.Equal(t, types.VerdictCompileError, result.Verdict)
		assert.Equal(t, []string{"compile"}, provider.calls, "run must not be invoked after a compile failure")
		assert.Nil(t, result.Run)
		assert.Equal(t, "compiler says no", result.Compile.Stderr)
		requireNoWorkspaces(t, root)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		language    string
		compileExit int
		states      []State
	}{
		{
			name:     "interpreted",
			language: "py",
			states:   []State{StateCreated, StateStaged, StateSkipped, StateRun, StateCompared, StateDone},
		},
		{
			name:     "compiled",
			language: "cpp",
			states:   []State{StateCreated, StateStaged, StateCompiled, StateRun, StateCompared, StateDone},
		},
		{
			name:        "compile error",
			language:    "cpp",
			compileExit: 1,
			states:      []State{StateCreated, StateStaged, StateDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, &fakeProvider{compileExit: tt.compileExit})

			var states []State
			_, err := m.Judge(context.Background(), &types.Submission{
				Language:       tt.language,
				SourceCode:     strPtr("x"),
				ExpectedOutput: strPtr("x"),
			}, WithObserver(func(_ string, state State) {
				states = append(states, state)
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.states, states)
		})
	}
}

func TestOperationalFaults(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		sub      *types.Submission
		state    State
		target   error
	}{
		{
			name:     "sandbox unavailable",
			provider: &fakeProvider{acquireErr: sandbox.ErrUnavailable},
			sub:      &types.Submission{Language: "py", SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			state:    StateStaged,
			target:   sandbox.ErrUnavailable,
		},
		{
			name:     "exec failure",
			provider: &fakeProvider{execErr: sandbox.ErrUnavailable},
			sub:      &types.Submission{Language: "cpp", SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			state:    StateStaged,
			target:   sandbox.ErrUnavailable,
		},
		{
			name:     "output missing after success",
			provider: &fakeProvider{skipOutput: true},
			sub:      &types.Submission{Language: "py", SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			state:    StateRun,
			target:   workspace.ErrOutputMissing,
		},
		{
			name:     "missing source file",
			provider: &fakeProvider{},
			sub:      &types.Submission{Language: "py", SourceCodePath: "/does/not/exist.py", ExpectedOutput: strPtr("x")},
			state:    StateCreated,
			target:   os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, root := newTestManager(t, tt.provider)

			result, err := m.Judge(context.Background(), tt.sub)
			require.Error(t, err)

			var fault *FaultError
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, tt.state, fault.State)
			assert.True(t, errors.Is(err, tt.target))

			require.NotNil(t, result)
			assert.Equal(t, types.VerdictInternalError, result.Verdict)
			assert.NotEqual(t, types.VerdictUnknown, result.Verdict)
			assert.NotEmpty(t, result.Error)
			requireNoWorkspaces(t, root)
		})
	}
}

func TestWorkspaceConflictLeavesExistingDirectory(t *testing.T) {
	m, root := newTestManager(t, &fakeProvider{})
	m.newID = func() string { return "taken" }
	require.NoError(t, os.Mkdir(filepath.Join(root, "taken"), 0755))

	result, err := m.Judge(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	})
	assert.True(t, errors.Is(err, workspace.ErrWorkspaceConflict))
	assert.Equal(t, types.VerdictInternalError, result.Verdict)

	_, statErr := os.Stat(filepath.Join(root, "taken"))
	assert.NoError(t, statErr, "a workspace owned by someone else must not be destroyed")
}

func TestCleanupFailureDoesNotOverrideVerdict(t *testing.T) {
	provider := &fakeProvider{releaseErr: errors.New("box stuck")}
	m, root := newTestManager(t, provider)

	result, err := m.Judge(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("Hello"),
		ExpectedOutput: strPtr("Hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccepted, result.Verdict)
	assert.Contains(t, result.CleanupError, "box stuck")
	requireNoWorkspaces(t, root)
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		sub    *types.Submission
		target error
	}{
		{
			name:   "unsupported language",
			sub:    &types.Submission{Language: "cobol", SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			target: language.ErrUnsupportedLanguage,
		},
		{
			name:   "both source forms",
			sub:    &types.Submission{Language: "py", SourceCode: strPtr("x"), SourceCodePath: "a.py", ExpectedOutput: strPtr("x")},
			target: types.ErrInvalidSubmission,
		},
		{
			name:   "no expected output",
			sub:    &types.Submission{Language: "py", SourceCode: strPtr("x")},
			target: types.ErrInvalidSubmission,
		},
		{
			name:   "time limit above maximum",
			sub:    &types.Submission{Language: "py", TimeLimitSeconds: 60, SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			target: types.ErrInvalidSubmission,
		},
		{
			name:   "memory limit above maximum",
			sub:    &types.Submission{Language: "py", MemoryLimitMb: 4096, SourceCode: strPtr("x"), ExpectedOutput: strPtr("x")},
			target: types.ErrInvalidSubmission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{}
			m, root := newTestManager(t, provider)

			result, err := m.Judge(context.Background(), tt.sub)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.target))

			var fault *FaultError
			assert.False(t, errors.As(err, &fault))
			assert.Zero(t, provider.acquired)
			requireNoWorkspaces(t, root)
		})
	}
}

func TestCustomRun(t *testing.T) {
	var expectedStaged bool
	provider := &fakeProvider{
		output: strPtr("Sum is 15\n"),
		onRun: func(dir string) {
			_, err := os.Stat(filepath.Join(dir, workspace.ExpectedFile))
			expectedStaged = err == nil
		},
	}
	m, root := newTestManager(t, provider)

	result, err := m.CustomRun(context.Background(), &types.Submission{
		Language:   "py",
		SourceCode: strPtr("a=int(input()); b=int(input()); print('Sum is', a+b)"),
		InputData:  strPtr("10\n5"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccepted, result.Verdict)
	require.NotNil(t, result.Output)
	assert.Equal(t, "Sum is 15\n", *result.Output)
	assert.False(t, expectedStaged)
	requireNoWorkspaces(t, root)

	_, err = m.CustomRun(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	})
	assert.True(t, errors.Is(err, types.ErrInvalidSubmission))
}

func TestCustomRunCapsOutput(t *testing.T) {
	provider := &fakeProvider{output: strPtr(strings.Repeat("y\n", 1<<20))}
	m, root := newTestManager(t, provider)

	result, err := m.CustomRun(context.Background(), &types.Submission{
		Language:   "cpp",
		SourceCode: strPtr("int main() { for (;;) puts(\"y\"); }"),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Output)
	assert.Len(t, *result.Output, 1<<20)
	assert.Equal(t, []int64{1 << 20, 1 << 20}, provider.fileLimits)
	requireNoWorkspaces(t, root)
}

func TestCustomRunFailureHasNoOutput(t *testing.T) {
	m, _ := newTestManager(t, &fakeProvider{runExit: 1})

	result, err := m.CustomRun(context.Background(), &types.Submission{
		Language:   "py",
		SourceCode: strPtr("raise SystemExit(1)"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRuntimeError, result.Verdict)
	assert.Nil(t, result.Output)
}

func TestPathPayloads(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "main.py")
	expected := filepath.Join(dir, "expected.txt")
	input := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(source, []byte("Hello"), 0644))
	require.NoError(t, os.WriteFile(expected, []byte("Hello\n"), 0644))
	require.NoError(t, os.WriteFile(input, []byte("1\n"), 0644))

	var stagedInput string
	provider := &fakeProvider{onRun: func(dir string) {
		data, _ := os.ReadFile(filepath.Join(dir, workspace.InputFile))
		stagedInput = string(data)
	}}
	m, _ := newTestManager(t, provider)

	result, err := m.Judge(context.Background(), &types.Submission{
		Language:           "py",
		SourceCodePath:     source,
		InputPath:          input,
		ExpectedOutputPath: expected,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccepted, result.Verdict)
	assert.Equal(t, "1\n", stagedInput)

	_, err = os.Stat(source)
	assert.NoError(t, err, "caller files are copied, never moved")
}

func TestConcurrentSubmissionsAreIsolated(t *testing.T) {
	provider := &fakeProvider{onRun: func(dir string) {
		data, _ := os.ReadFile(filepath.Join(dir, "UserProgram.py"))
		if strings.HasPrefix(string(data), "slow") {
			time.Sleep(200 * time.Millisecond)
		}
	}}
	m, root := newTestManager(t, provider)

	programs := []string{"slow A", "B", "C", "slow D"}
	results := make([]*types.Result, len(programs))
	errs := make([]error, len(programs))

	var wg sync.WaitGroup
	for i, program := range programs {
		wg.Add(1)
		go func(i int, program string) {
			defer wg.Done()
			results[i], errs[i] = m.Judge(context.Background(), &types.Submission{
				Language:       "py",
				SourceCode:     strPtr(program),
				ExpectedOutput: strPtr(program),
			})
		}(i, program)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i := range programs {
		require.NoError(t, errs[i])
		assert.Equal(t, types.VerdictAccepted, results[i].Verdict, "program %q", programs[i])
		assert.False(t, ids[results[i].SubmissionID])
		ids[results[i].SubmissionID] = true
	}
	assert.Equal(t, len(programs), provider.released)
	requireNoWorkspaces(t, root)
}

func TestSlotWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	provider := &fakeProvider{onRun: func(string) {
		close(started)
		<-release
	}}
	m, _ := newTestManager(t, provider)
	require.NoError(t, m.slots.Acquire(context.Background(), int64(m.config.MaxConcurrentJobs-1)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Judge(context.Background(), &types.Submission{
			Language:       "py",
			SourceCode:     strPtr("x"),
			ExpectedOutput: strPtr("x"),
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := m.Judge(ctx, &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("y"),
		ExpectedOutput: strPtr("y"),
	})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	<-done
}

func TestStartedSubmissionIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{onRun: func(string) { cancel() }}
	m, _ := newTestManager(t, provider)

	result, err := m.Judge(ctx, &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccepted, result.Verdict)
}

func TestWithVersion(t *testing.T) {
	m, _ := newTestManager(t, &fakeProvider{})

	result, err := m.Judge(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	}, WithVersion("3.x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.Version, "3."))

	_, err = m.Judge(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	}, WithVersion("2.x"))
	assert.True(t, errors.Is(err, language.ErrUnsupportedLanguage))

	_, err = m.Judge(context.Background(), &types.Submission{
		Language:       "py",
		SourceCode:     strPtr("x"),
		ExpectedOutput: strPtr("x"),
	}, WithVersion("not-a-version"))
	assert.ErrorIs(t, err, types.ErrInvalidSubmission)
}
