package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/verdict"
)

const (
	// dockerSlack bounds exec round trips beyond the in-container timeout
	dockerSlack = 2 * time.Second
	pollDelay   = 10 * time.Millisecond
)

// DockerProvider runs each submission in its own container with the
// workspace bind-mounted at the configured work dir. Images must ship a
// coreutils timeout.
type DockerProvider struct {
	cli           *client.Client
	cfg           config.DockerConfig
	outputMaxSize int
	logger        *logrus.Entry
}

// NewDockerProvider connects to the daemon configured in the environment
func NewDockerProvider(cfg config.DockerConfig, outputMaxSize int) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerProvider{
		cli:           cli,
		cfg:           cfg,
		outputMaxSize: outputMaxSize,
		logger:        logrus.WithField("component", "sandbox.docker"),
	}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

// EnsureImage pulls img unless it is already present
func (p *DockerProvider) EnsureImage(ctx context.Context, img string) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	p.logger.WithField("image", img).Info("Pulling docker image")
	reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	_, _ = io.Copy(io.Discard, reader)

	p.logger.WithField("image", img).Info("Successfully pulled docker image")
	return nil
}

// Acquire creates and starts a container for one submission
func (p *DockerProvider) Acquire(ctx context.Context, spec Spec) (Sandbox, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: no image configured for submission %s", ErrUnavailable, spec.SubmissionID)
	}
	if err := p.EnsureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := shareWorkspace(spec.WorkspaceDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pidsLimit := p.cfg.PidsLimit
	memory := spec.MemoryLimitMb * 1024 * 1024

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUQuota:   100000,
			PidsLimit:  &pidsLimit,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: p.cfg.WorkDir,
		}},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}
	if p.cfg.NetworkDisabled {
		hostConfig.NetworkMode = "none"
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      p.cfg.WorkDir,
		NetworkDisabled: p.cfg.NetworkDisabled,
		Labels:          map[string]string{"judger.submission": spec.SubmissionID},
	}, hostConfig, nil, nil, "judger-"+spec.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", ErrUnavailable, err)
	}

	sb := &dockerSandbox{
		containerID: resp.ID,
		memoryMb:    spec.MemoryLimitMb,
		provider:    p,
		logger: p.logger.WithFields(logrus.Fields{
			"submission_id": spec.SubmissionID,
			"container":     resp.ID[:12],
		}),
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := sb.Release(context.Background()); rmErr != nil {
			sb.logger.WithError(rmErr).Warn("Failed to remove container after start failure")
		}
		return nil, fmt.Errorf("%w: failed to start container: %v", ErrUnavailable, err)
	}

	return sb, nil
}

type dockerSandbox struct {
	containerID string
	memoryMb    int64
	provider    *DockerProvider
	logger      *logrus.Entry
}

func (s *dockerSandbox) Exec(ctx context.Context, cmd Command) (*types.ExecutionOutcome, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}
	cli := s.provider.cli

	if cmd.MemoryLimitMb > 0 && cmd.MemoryLimitMb != s.memoryMb {
		memory := cmd.MemoryLimitMb * 1024 * 1024
		if _, err := cli.ContainerUpdate(ctx, s.containerID, container.UpdateConfig{
			Resources: container.Resources{Memory: memory, MemorySwap: memory},
		}); err != nil {
			return nil, fmt.Errorf("%w: failed to update container memory: %v", ErrUnavailable, err)
		}
		s.memoryMb = cmd.MemoryLimitMb
	}

	runCtx, cancel := context.WithTimeout(ctx, cmd.Timeout+dockerSlack)
	defer cancel()

	execResp, err := cli.ContainerExecCreate(runCtx, s.containerID, container.ExecOptions{
		Cmd:          append([]string{"sh", "-c", execScript(cmd), "sh"}, cmd.Args...),
		WorkingDir:   s.provider.cfg.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create exec: %v", ErrUnavailable, err)
	}

	start := time.Now()
	attach, err := cli.ContainerExecAttach(runCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start exec: %v", ErrUnavailable, err)
	}
	defer attach.Close()

	stdout := newLimitedBuffer(s.provider.outputMaxSize)
	stderr := newLimitedBuffer(s.provider.outputMaxSize)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read exec logs: %v", ErrUnavailable, err)
		}
	case <-runCtx.Done():
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, runCtx.Err()
		}
		// The in-container timeout did not fire; take the whole container down
		if err := cli.ContainerKill(context.Background(), s.containerID, "KILL"); err != nil {
			s.logger.WithError(err).Warn("Failed to kill container after deadline")
		}
		return timedOut(stdout, stderr, time.Since(start)), nil
	}

	code := 0
	for {
		inspect, err := cli.ContainerExecInspect(runCtx, execResp.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to inspect exec: %v", ErrUnavailable, err)
		}
		if !inspect.Running {
			code = inspect.ExitCode
			break
		}
		time.Sleep(pollDelay)
	}
	elapsed := time.Since(start)

	if code == verdict.ExitMemoryKill && elapsed >= cmd.Timeout {
		oomKilled := false
		info, err := cli.ContainerInspect(ctx, s.containerID)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to inspect container after SIGKILL")
		} else if info.State != nil {
			oomKilled = info.State.OOMKilled
		}
		code = deadlineExit(code, elapsed, cmd.Timeout, oomKilled)
	}

	s.logger.WithFields(logrus.Fields{
		"exit_code": code,
		"wall_time": elapsed,
	}).Debug("Exec finished")

	return &types.ExecutionOutcome{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Signal:   verdict.SignalName(code),
		WallTime: elapsed,
	}, nil
}

// Release empties the workspace from inside the container, then
// force-removes the container
func (s *dockerSandbox) Release(ctx context.Context) error {
	if _, err := s.Exec(ctx, Command{Args: []string{"/bin/sh", "-c", purgeScript}, Timeout: purgeTimeout}); err != nil {
		s.logger.WithError(err).Warn("Failed to purge workspace")
	}

	err := s.provider.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", s.containerID, err)
	}
	return nil
}

// deadlineExit reports a SIGKILL past the deadline as a timeout kill,
// since timeout escalates to SIGKILL when the program ignores SIGTERM.
// A kill the cgroup OOM killer delivered stays a memory kill.
func deadlineExit(code int, elapsed, timeout time.Duration, oomKilled bool) int {
	if code == verdict.ExitMemoryKill && elapsed >= timeout && !oomKilled {
		return verdict.ExitTimeKill
	}
	return code
}

// execScript wraps the command arguments ("$@") in a timeout with the
// workspace redirections applied
func execScript(cmd Command) string {
	var b strings.Builder
	if cmd.MaxFileSize > 0 {
		b.WriteString("ulimit -f " + strconv.FormatInt(fileBlocks(cmd.MaxFileSize), 10) + " || exit 126; ")
	}
	b.WriteString("exec timeout --preserve-status -s TERM -k 1 ")
	b.WriteString(strconv.FormatFloat(cmd.Timeout.Seconds(), 'f', 3, 64))
	b.WriteString(` "$@"`)
	if cmd.StdinFile != "" {
		b.WriteString(" < " + shellQuote(cmd.StdinFile))
	} else {
		b.WriteString(" < /dev/null")
	}
	if cmd.StdoutFile != "" {
		b.WriteString(" > " + shellQuote(cmd.StdoutFile))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
