// Package sandbox defines the provider contract used by the judge pipeline
// and its implementations.
//
// A provider hands out one Sandbox per submission. Exec blocks until the
// command terminates or a limit is hit. Limit enforcement is reported
// through sentinel exit codes (143 for the wall clock, 137 for memory);
// a returned error always means the provider itself failed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/workspace"
)

// ErrUnavailable is returned when a sandbox cannot be acquired or driven
var ErrUnavailable = errors.New("sandbox unavailable")

// Spec describes the sandbox acquired for one submission
type Spec struct {
	SubmissionID string
	// WorkspaceDir is the host path of the submission workspace.
	WorkspaceDir string
	Image        string
	// MemoryLimitMb is the largest ceiling any command will request.
	MemoryLimitMb int64
}

// Command is one command executed inside a sandbox. File names are
// relative to the workspace.
type Command struct {
	Args          []string
	StdinFile     string
	StdoutFile    string
	Timeout       time.Duration
	MemoryLimitMb int64
	// MaxFileSize caps, in bytes, every file the command writes.
	MaxFileSize int64
}

// Provider acquires per-submission sandboxes
type Provider interface {
	Name() string
	Acquire(ctx context.Context, spec Spec) (Sandbox, error)
}

// Sandbox executes commands against one workspace
type Sandbox interface {
	Exec(ctx context.Context, cmd Command) (*types.ExecutionOutcome, error)
	Release(ctx context.Context) error
}

// NewProvider builds the provider named in the configuration
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderLocal:
		return NewLocalProvider(cfg.OutputMaxSize), nil
	case config.ProviderIsolate:
		return NewIsolateProvider(cfg.Isolate, cfg.OutputMaxSize), nil
	case config.ProviderDocker:
		return NewDockerProvider(cfg.Docker, cfg.OutputMaxSize)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// purgeScript empties the workspace from inside the sandbox, so files the
// sandbox user created are gone before the host removes the directory
const purgeScript = "rm -rf ./* ./.[!.]* 2>/dev/null; exit 0"

const purgeTimeout = 5 * time.Second

// shareWorkspace opens a staged workspace to a sandbox that runs under
// another uid. The sticky bit keeps staged files from being replaced and
// the expected output stays readable by its owner only.
func shareWorkspace(dir string) error {
	if err := os.Chmod(dir, 0777|os.ModeSticky); err != nil {
		return fmt.Errorf("failed to share workspace: %w", err)
	}
	err := os.Chmod(filepath.Join(dir, workspace.ExpectedFile), 0600)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to protect expected output: %w", err)
	}
	return nil
}

// fileBlocks converts a byte limit to the 512-byte blocks of ulimit -f
func fileBlocks(size int64) int64 {
	return (size + 511) / 512
}

// limitedBuffer keeps at most limit bytes and silently drops the rest
type limitedBuffer struct {
	buf   []byte
	limit int
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return string(b.buf)
}
