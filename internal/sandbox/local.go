//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/verdict"
)

// killGrace is how long a timed-out process group gets between SIGTERM and SIGKILL
const killGrace = 500 * time.Millisecond

// LocalProvider runs commands as host processes in their own process group.
// It offers no isolation and only best-effort memory limits (RLIMIT_AS via
// ulimit), so it is meant for development and tests.
type LocalProvider struct {
	outputMaxSize int
	logger        *logrus.Entry
}

// NewLocalProvider creates a local process provider
func NewLocalProvider(outputMaxSize int) *LocalProvider {
	return &LocalProvider{
		outputMaxSize: outputMaxSize,
		logger:        logrus.WithField("component", "sandbox.local"),
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Acquire(_ context.Context, spec Spec) (Sandbox, error) {
	info, err := os.Stat(spec.WorkspaceDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: workspace %s is not a directory", ErrUnavailable, spec.WorkspaceDir)
	}
	return &localSandbox{
		dir:      spec.WorkspaceDir,
		provider: p,
		logger:   p.logger.WithField("submission_id", spec.SubmissionID),
	}, nil
}

type localSandbox struct {
	dir      string
	provider *LocalProvider
	logger   *logrus.Entry
}

func (s *localSandbox) Exec(ctx context.Context, cmd Command) (*types.ExecutionOutcome, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}

	args := cmd.Args
	if script := ulimitScript(cmd); script != "" {
		args = append([]string{"/bin/sh", "-c", script + `exec "$@"`, "sh"}, args...)
	}

	runCtx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, args[0], args[1:]...)
	c.Dir = s.dir
	c.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + s.dir}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = killGrace

	stdin, err := s.openStdin(cmd.StdinFile)
	if err != nil {
		return nil, err
	}
	defer stdin.Close()
	c.Stdin = stdin

	stdoutBuf := newLimitedBuffer(s.provider.outputMaxSize)
	stderrBuf := newLimitedBuffer(s.provider.outputMaxSize)
	c.Stderr = stderrBuf
	if cmd.StdoutFile != "" {
		stdout, err := os.Create(filepath.Join(s.dir, cmd.StdoutFile))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout file: %w", err)
		}
		defer stdout.Close()
		c.Stdout = stdout
	} else {
		c.Stdout = stdoutBuf
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrUnavailable, args[0], err)
	}
	waitErr := c.Wait()
	elapsed := time.Since(start)

	// Reap anything the program left behind in its group
	_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)

	outcome := &types.ExecutionOutcome{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		WallTime: elapsed,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.ExitCode = verdict.ExitTimeKill
	case c.ProcessState != nil:
		outcome.ExitCode = exitCode(c.ProcessState)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
	}
	outcome.Signal = verdict.SignalName(outcome.ExitCode)

	s.logger.WithFields(logrus.Fields{
		"exit_code": outcome.ExitCode,
		"wall_time": elapsed,
	}).Debug("Command finished")
	return outcome, nil
}

func (s *localSandbox) openStdin(name string) (io.ReadCloser, error) {
	if name == "" {
		return os.Open(os.DevNull)
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin file: %w", err)
	}
	return f, nil
}

func (s *localSandbox) Release(context.Context) error {
	return nil
}

// ulimitScript sets the address space and file size limits of cmd
func ulimitScript(cmd Command) string {
	var b strings.Builder
	if cmd.MemoryLimitMb > 0 {
		fmt.Fprintf(&b, "ulimit -v %d || exit 126; ", cmd.MemoryLimitMb*1024)
	}
	if cmd.MaxFileSize > 0 {
		fmt.Fprintf(&b, "ulimit -f %d || exit 126; ", fileBlocks(cmd.MaxFileSize))
	}
	return b.String()
}

// exitCode folds signal terminations into the shell convention of 128+signo
func exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
