package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/verdict"
)

// boxMount is where the workspace appears inside an isolate box
const boxMount = "/submission"

// isolateSlack bounds how long isolate itself may take beyond the wall limit
const isolateSlack = 5 * time.Second

// IsolateProvider runs commands in isolate boxes with cgroup limits.
// Box ids come from a fixed pool so concurrent submissions never share one.
type IsolateProvider struct {
	path          string
	maxProcesses  int
	outputMaxSize int
	boxes         chan int
	logger        *logrus.Entry
}

// NewIsolateProvider creates a provider over the box id range in cfg
func NewIsolateProvider(cfg config.IsolateConfig, outputMaxSize int) *IsolateProvider {
	boxes := make(chan int, cfg.BoxIDMax-cfg.BoxIDMin+1)
	for id := cfg.BoxIDMin; id <= cfg.BoxIDMax; id++ {
		boxes <- id
	}

	return &IsolateProvider{
		path:          cfg.Path,
		maxProcesses:  cfg.MaxProcesses,
		outputMaxSize: outputMaxSize,
		boxes:         boxes,
		logger:        logrus.WithField("component", "sandbox.isolate"),
	}
}

func (p *IsolateProvider) Name() string { return "isolate" }

// Acquire takes a box id from the pool and initializes the box
func (p *IsolateProvider) Acquire(ctx context.Context, spec Spec) (Sandbox, error) {
	if err := shareWorkspace(spec.WorkspaceDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var id int
	select {
	case id = <-p.boxes:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no isolate box available: %v", ErrUnavailable, ctx.Err())
	}

	out, err := exec.CommandContext(ctx, p.path, "--init", "--cg", fmt.Sprintf("-b%d", id)).Output()
	if err != nil {
		p.boxes <- id
		return nil, fmt.Errorf("%w: isolate init failed for box %d: %v", ErrUnavailable, id, err)
	}
	if strings.TrimSpace(string(out)) == "" {
		p.boxes <- id
		return nil, fmt.Errorf("%w: received empty output from isolate --init", ErrUnavailable)
	}

	return &isolateBox{
		id:           id,
		metadataPath: filepath.Join(os.TempDir(), fmt.Sprintf("judger-%d-metadata.txt", id)),
		workspace:    spec.WorkspaceDir,
		provider:     p,
		logger: p.logger.WithFields(logrus.Fields{
			"submission_id": spec.SubmissionID,
			"box_id":        id,
		}),
	}, nil
}

type isolateBox struct {
	id           int
	metadataPath string
	workspace    string
	provider     *IsolateProvider
	logger       *logrus.Entry
}

func (b *isolateBox) Exec(ctx context.Context, cmd Command) (*types.ExecutionOutcome, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}

	isolateArgs := b.runArgs(cmd)

	// Metadata from the previous command must not leak into this one
	if err := os.Remove(b.metadataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cmd.Timeout+isolateSlack)
	defer cancel()

	c := exec.CommandContext(runCtx, b.provider.path, isolateArgs...)
	stdoutBuf := newLimitedBuffer(b.provider.outputMaxSize)
	stderrBuf := newLimitedBuffer(b.provider.outputMaxSize)
	c.Stdout = stdoutBuf
	c.Stderr = stderrBuf

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start isolate: %v", ErrUnavailable, err)
	}
	_ = c.Wait()
	elapsed := time.Since(start)

	metadata, err := parseMetadata(b.metadataPath)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return timedOut(stdoutBuf, stderrBuf, elapsed), nil
		}
		return nil, fmt.Errorf("%w: failed to read isolate metadata: %v", ErrUnavailable, err)
	}

	code, err := metadata.exitCode()
	if err != nil {
		return nil, err
	}

	outcome := &types.ExecutionOutcome{
		ExitCode: code,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Signal:   metadata.Signal,
		WallTime: elapsed,
	}
	if metadata.WallTime > 0 {
		outcome.WallTime = metadata.WallTime
	}
	if outcome.Signal == "" {
		outcome.Signal = verdict.SignalName(code)
	}

	b.logger.WithFields(logrus.Fields{
		"status":    metadata.Status,
		"exit_code": code,
		"memory_kb": metadata.MemoryKb,
	}).Debug("Isolate run finished")
	return outcome, nil
}

func (b *isolateBox) runArgs(cmd Command) []string {
	wallTime := strconv.FormatFloat(cmd.Timeout.Seconds(), 'f', 3, 64)
	args := []string{
		"--run",
		fmt.Sprintf("-b%d", b.id),
		fmt.Sprintf("--meta=%s", b.metadataPath),
		"--cg",
		"-s",
		fmt.Sprintf("--dir=%s=%s:rw", boxMount, b.workspace),
		fmt.Sprintf("--chdir=%s", boxMount),
		"-E", "HOME=/tmp",
		"-E", "PATH=/usr/local/bin:/usr/bin:/bin",
		fmt.Sprintf("--processes=%d", b.provider.maxProcesses),
		fmt.Sprintf("--wall-time=%s", wallTime),
		fmt.Sprintf("--time=%s", wallTime),
		"--extra-time=0",
	}
	if cmd.MemoryLimitMb > 0 {
		args = append(args, fmt.Sprintf("--cg-mem=%d", cmd.MemoryLimitMb*1024))
	}
	if cmd.MaxFileSize > 0 {
		args = append(args, fmt.Sprintf("--fsize=%d", (cmd.MaxFileSize+1023)/1024))
	}
	if cmd.StdinFile != "" {
		args = append(args, fmt.Sprintf("--stdin=%s/%s", boxMount, cmd.StdinFile))
	}
	if cmd.StdoutFile != "" {
		args = append(args, fmt.Sprintf("--stdout=%s/%s", boxMount, cmd.StdoutFile))
	}
	// isolate execs the program without a PATH lookup
	args = append(args, "--", "/bin/sh", "-c", `exec "$@"`, "sh")
	return append(args, cmd.Args...)
}

// Release cleans the box and returns its id to the pool
func (b *isolateBox) Release(ctx context.Context) error {
	defer func() { b.provider.boxes <- b.id }()

	b.purge(ctx)

	var errs []error
	cmd := exec.CommandContext(ctx, b.provider.path, "--cleanup", "--cg", fmt.Sprintf("-b%d", b.id))
	if err := cmd.Run(); err != nil {
		errs = append(errs, fmt.Errorf("failed to cleanup isolate box %d: %w", b.id, err))
	}
	if err := os.Remove(b.metadataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove metadata file %s: %w", b.metadataPath, err))
	}
	return errors.Join(errs...)
}

// purge removes what the box user wrote to the workspace
func (b *isolateBox) purge(ctx context.Context) {
	_, err := b.Exec(ctx, Command{Args: []string{"/bin/sh", "-c", purgeScript}, Timeout: purgeTimeout})
	if err != nil {
		b.logger.WithError(err).Warn("Failed to purge workspace")
	}
}

func timedOut(stdout, stderr *limitedBuffer, elapsed time.Duration) *types.ExecutionOutcome {
	return &types.ExecutionOutcome{
		ExitCode: verdict.ExitTimeKill,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Signal:   verdict.SignalName(verdict.ExitTimeKill),
		WallTime: elapsed,
	}
}

// isolateMetadata represents metadata from isolate
type isolateMetadata struct {
	MemoryKb  int64
	ExitCode  int
	ExitSig   int
	Signal    string
	Message   string
	Status    string
	OOMKilled bool
	CPUTime   time.Duration
	WallTime  time.Duration
}

// parseMetadata parses the isolate metadata file
func parseMetadata(metadataPath string) (*isolateMetadata, error) {
	content, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, err
	}
	return parseMetadataContent(string(content)), nil
}

func parseMetadataContent(content string) *isolateMetadata {
	metadata := &isolateMetadata{}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch key {
		case "cg-mem":
			if mem, err := strconv.ParseInt(value, 10, 64); err == nil {
				metadata.MemoryKb = mem
			}
		case "cg-oom-killed":
			metadata.OOMKilled = value == "1"
		case "exitcode":
			if code, err := strconv.Atoi(value); err == nil {
				metadata.ExitCode = code
			}
		case "exitsig":
			if sig, err := strconv.Atoi(value); err == nil {
				metadata.ExitSig = sig
				metadata.Signal = signalToString(sig)
			}
		case "message":
			metadata.Message = value
		case "status":
			metadata.Status = value
		case "time":
			if t, err := strconv.ParseFloat(value, 64); err == nil {
				metadata.CPUTime = time.Duration(t * float64(time.Second))
			}
		case "time-wall":
			if t, err := strconv.ParseFloat(value, 64); err == nil {
				metadata.WallTime = time.Duration(t * float64(time.Second))
			}
		}
	}

	return metadata
}

// exitCode normalizes isolate's status onto the sentinel exit codes
func (m *isolateMetadata) exitCode() (int, error) {
	if m.OOMKilled {
		return verdict.ExitMemoryKill, nil
	}

	switch m.Status {
	case "TO":
		return verdict.ExitTimeKill, nil
	case "SG":
		return 128 + m.ExitSig, nil
	case "XX":
		return 0, fmt.Errorf("%w: isolate internal error: %s", ErrUnavailable, m.Message)
	default: // "", "RE"
		return m.ExitCode, nil
	}
}

// signalToString converts signal number to string
func signalToString(sig int) string {
	signals := map[int]string{
		1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 4: "SIGILL", 5: "SIGTRAP",
		6: "SIGABRT", 7: "SIGBUS", 8: "SIGFPE", 9: "SIGKILL", 10: "SIGUSR1",
		11: "SIGSEGV", 12: "SIGUSR2", 13: "SIGPIPE", 14: "SIGALRM", 15: "SIGTERM",
	}

	if name, exists := signals[sig]; exists {
		return name
	}
	return fmt.Sprintf("SIG%d", sig)
}
