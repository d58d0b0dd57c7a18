//go:build unix

package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/judger/internal/verdict"
)

func acquireLocal(t *testing.T) (Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := NewLocalProvider(1024).Acquire(context.Background(), Spec{SubmissionID: "test", WorkspaceDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Release(context.Background()) })
	return sb, dir
}

func TestLocalExecExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   int
		signal string
	}{
		{"success", "exit 0", 0, ""},
		{"runtime error", "exit 1", verdict.ExitRuntimeError, ""},
		{"other exit", "exit 3", 3, ""},
		{"killed", "kill -9 $$", verdict.ExitMemoryKill, "SIGKILL"},
		{"segfault", "kill -11 $$", 139, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, _ := acquireLocal(t)
			outcome, err := sb.Exec(context.Background(), Command{
				Args:    []string{"sh", "-c", tt.script},
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.code, outcome.ExitCode)
			assert.Equal(t, tt.signal, outcome.Signal)
		})
	}
}

func TestLocalExecTimeout(t *testing.T) {
	sb, _ := acquireLocal(t)

	start := time.Now()
	outcome, err := sb.Exec(context.Background(), Command{
		Args:    []string{"sh", "-c", "while :; do :; done"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, verdict.ExitTimeKill, outcome.ExitCode)
	assert.Equal(t, "SIGTERM", outcome.Signal)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLocalExecTimeoutIgnoringTerm(t *testing.T) {
	sb, _ := acquireLocal(t)

	outcome, err := sb.Exec(context.Background(), Command{
		Args:    []string{"sh", "-c", "trap '' TERM; while :; do :; done"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, verdict.ExitTimeKill, outcome.ExitCode)
}

func TestLocalExecRedirection(t *testing.T) {
	sb, dir := acquireLocal(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ip.txt"), []byte("10 5\n"), 0644))

	outcome, err := sb.Exec(context.Background(), Command{
		Args:       []string{"sh", "-c", `read a b; echo "Sum is $((a + b))"; echo oops >&2`},
		StdinFile:  "ip.txt",
		StdoutFile: "actual_op.txt",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Empty(t, outcome.Stdout)
	assert.Equal(t, "oops\n", outcome.Stderr)

	out, err := os.ReadFile(filepath.Join(dir, "actual_op.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Sum is 15\n", string(out))
}

func TestLocalExecCapturesBoundedOutput(t *testing.T) {
	dir := t.TempDir()
	sb, err := NewLocalProvider(4).Acquire(context.Background(), Spec{WorkspaceDir: dir})
	require.NoError(t, err)

	outcome, err := sb.Exec(context.Background(), Command{
		Args:    []string{"sh", "-c", "echo 123456789"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "1234", outcome.Stdout)
}

func TestLocalExecCapsOutputFile(t *testing.T) {
	sb, dir := acquireLocal(t)

	outcome, err := sb.Exec(context.Background(), Command{
		Args:        []string{"head", "-c", "1000000", "/dev/zero"},
		StdoutFile:  "actual_op.txt",
		Timeout:     5 * time.Second,
		MaxFileSize: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, verdict.ExitFileSizeKill, outcome.ExitCode)
	assert.Equal(t, "SIGXFSZ", outcome.Signal)

	info, err := os.Stat(filepath.Join(dir, "actual_op.txt"))
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(4096))
}

func TestUlimitScript(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"no limits", Command{}, ""},
		{"memory", Command{MemoryLimitMb: 64}, "ulimit -v 65536 || exit 126; "},
		{"file size", Command{MaxFileSize: 1000}, "ulimit -f 2 || exit 126; "},
		{
			"both",
			Command{MemoryLimitMb: 1, MaxFileSize: 10000000},
			"ulimit -v 1024 || exit 126; ulimit -f 19532 || exit 126; ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ulimitScript(tt.cmd))
		})
	}
}

func TestLocalExecMissingBinary(t *testing.T) {
	sb, _ := acquireLocal(t)

	_, err := sb.Exec(context.Background(), Command{
		Args:    []string{"definitely-not-a-real-binary"},
		Timeout: time.Second,
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestLocalAcquireMissingWorkspace(t *testing.T) {
	_, err := NewLocalProvider(1024).Acquire(context.Background(), Spec{
		WorkspaceDir: filepath.Join(t.TempDir(), "missing"),
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
}
