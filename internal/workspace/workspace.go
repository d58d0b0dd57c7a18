// Package workspace manages per-submission directories under the sandbox
// volume root. Each submission owns exactly one directory, named by its id.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Staged file names inside a workspace
const (
	InputFile    = "ip.txt"
	ExpectedFile = "expected_op.txt"
	OutputFile   = "actual_op.txt"
)

var (
	// ErrWorkspaceConflict is returned when a workspace directory already exists
	ErrWorkspaceConflict = errors.New("workspace already exists")
	// ErrOutputMissing is returned when the run phase produced no output file
	ErrOutputMissing = errors.New("output file missing")
)

// Workspace is one submission's directory
type Workspace struct {
	ID  string
	Dir string
}

// Path returns the host path of a file inside the workspace
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager allocates and removes workspaces below a root directory
type Manager struct {
	root   string
	logger *logrus.Entry
}

// NewManager creates a manager rooted at root, creating the root if needed
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve volume root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volume root: %w", err)
	}

	return &Manager{
		root:   abs,
		logger: logrus.WithField("component", "workspace"),
	}, nil
}

// Root returns the volume root
func (m *Manager) Root() string {
	return m.root
}

// Provision creates a fresh, empty workspace for a submission id
func (m *Manager) Provision(id string) (*Workspace, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid workspace id: %q", id)
	}

	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceConflict, dir)
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	m.logger.WithField("workspace", dir).Debug("Workspace provisioned")
	return &Workspace{ID: id, Dir: dir}, nil
}

// Stage writes the program, the input and (when non-nil) the expected output.
// The input file is always created, empty when no input was supplied.
func (m *Manager) Stage(ws *Workspace, sourceFile string, program, input, expected []byte) error {
	if sourceFile == "" || filepath.Base(sourceFile) != sourceFile {
		return fmt.Errorf("invalid source file name: %q", sourceFile)
	}

	files := []struct {
		name    string
		content []byte
	}{
		{sourceFile, program},
		{InputFile, input},
	}
	if expected != nil {
		files = append(files, struct {
			name    string
			content []byte
		}{ExpectedFile, expected})
	}

	for _, file := range files {
		// Sandboxed programs may run as an unprivileged user
		if err := os.WriteFile(ws.Path(file.name), file.content, 0644); err != nil {
			return fmt.Errorf("failed to stage %s: %w", file.name, err)
		}
	}

	return nil
}

// ReadOutput reads at most limit bytes of the output written by the run
// phase. A non-positive limit reads the whole file.
func (m *Manager) ReadOutput(ws *Workspace, limit int64) ([]byte, error) {
	info, err := os.Lstat(ws.Path(OutputFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputMissing, ws.ID)
		}
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	// The sandboxed program owns the output file and may swap it for a link
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("output of %s is not a regular file", ws.ID)
	}

	f, err := os.Open(ws.Path(OutputFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

// ReadExpected reads the staged expected output
func (m *Manager) ReadExpected(ws *Workspace) ([]byte, error) {
	data, err := os.ReadFile(ws.Path(ExpectedFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read expected output: %w", err)
	}
	return data, nil
}

// Destroy removes the workspace recursively. Removing a missing or partially
// created workspace is not an error.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if filepath.Dir(ws.Dir) != m.root {
		return fmt.Errorf("refusing to remove %s outside volume root", ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.ID, err)
	}
	m.logger.WithField("workspace", ws.Dir).Debug("Workspace destroyed")
	return nil
}
