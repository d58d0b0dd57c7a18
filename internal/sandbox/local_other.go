//go:build !unix

package sandbox

import (
	"context"
	"fmt"
	"runtime"
)

// LocalProvider is unavailable on this platform
type LocalProvider struct{}

func NewLocalProvider(int) *LocalProvider { return &LocalProvider{} }

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Acquire(context.Context, Spec) (Sandbox, error) {
	return nil, fmt.Errorf("%w: local provider is not supported on %s", ErrUnavailable, runtime.GOOS)
}
