// Package runtime provides the Runtime interface for run execution backends.
package runtime

import (
	"context"
	"io"
)

// Container labels set on every run container.
const (
	LabelRun     = "run"
	LabelJob     = "job"
	LabelProject = "project"
	LabelEnv     = "env"
)

// Runtime defines the interface for executing run containers.
// Implementations include Docker and raw process execution.
type Runtime interface {
	// Start begins execution of a run and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)

	// KillByLabel kills every running container carrying label key=value and
	// returns how many were killed.
	KillByLabel(ctx context.Context, key, value string) (int, error)
}

// StartOptions contains the parameters for starting a run container.
type StartOptions struct {
	Image    string
	Command  []string
	Env      map[string]string
	Labels   map[string]string
	Hostname string

	// MemoryBytes, CPUQuota and CPUPeriod limit the container. Zero means unlimited.
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
}

// Handle represents a running container.
type Handle interface {
	// ID identifies the container within its runtime.
	ID() string

	// Logs streams combined stdout and stderr. Each line starts with an
	// RFC 3339 timestamp followed by a space.
	Logs(ctx context.Context) (io.ReadCloser, error)

	// Wait blocks until the container exits and returns the exit code.
	Wait(ctx context.Context) (ExitResult, error)

	// Kill forcefully terminates the container.
	Kill(ctx context.Context) error
}

// ExitResult holds the outcome of a finished container.
type ExitResult struct {
	ExitCode int
	Error    error
}
