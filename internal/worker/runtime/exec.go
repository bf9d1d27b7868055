package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// This is optional and primarily used for development/testing: the image and
// resource limits are ignored and the command runs on the host.
type ExecRuntime struct {
	WorkDir string

	mu        sync.Mutex
	processes map[string]*ExecHandle
	seq       atomic.Int64
}

// NewExecRuntime creates a new process-based runtime rooted at workDir.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "askanna", "runner")
	}
	return &ExecRuntime{WorkDir: workDir, processes: make(map[string]*ExecHandle)}
}

// ExecHandle is a running process.
type ExecHandle struct {
	id      string
	cmd     *exec.Cmd
	labels  map[string]string
	logPath string

	done   chan struct{}
	result ExitResult
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	id := fmt.Sprintf("exec-%d", e.seq.Add(1))
	name := opts.Hostname
	if name == "" {
		name = id
	}
	dir := filepath.Join(e.WorkDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	logPath := filepath.Join(dir, ".askanna-output.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create output log: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "AA_CODE_DIR="+dir)
	cmd.Env = append(cmd.Env, mapToEnvList(opts.Env)...)
	out := &stampWriter{w: logFile, now: time.Now}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("Failed to start process: %w", err)
	}

	h := &ExecHandle{
		id:      id,
		cmd:     cmd,
		labels:  opts.Labels,
		logPath: logPath,
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	e.processes[id] = h
	e.mu.Unlock()

	go func() {
		err := cmd.Wait()
		out.Flush()
		logFile.Close()
		h.result = exitResult(err)

		e.mu.Lock()
		delete(e.processes, id)
		e.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// exitResult maps a process exit like a container runtime does: death by
// signal N is exit code 128+N.
func exitResult(err error) ExitResult {
	if err == nil {
		return ExitResult{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitResult{ExitCode: 128 + int(ws.Signal())}
		}
		return ExitResult{ExitCode: exitErr.ExitCode()}
	}
	return ExitResult{ExitCode: -1, Error: err}
}

// KillByLabel implements Runtime.KillByLabel.
func (e *ExecRuntime) KillByLabel(ctx context.Context, key, value string) (int, error) {
	e.mu.Lock()
	var targets []*ExecHandle
	for _, h := range e.processes {
		if h.labels[key] == value {
			targets = append(targets, h)
		}
	}
	e.mu.Unlock()

	killed := 0
	for _, h := range targets {
		if err := h.Kill(ctx); err != nil {
			return killed, err
		}
		killed++
	}
	return killed, nil
}

func (h *ExecHandle) ID() string {
	return h.id
}

func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *ExecHandle) Kill(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Logs follows the output file until the process exits.
func (h *ExecHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(h.logPath)
	if err != nil {
		return nil, err
	}
	return &followReader{ctx: ctx, f: f, done: h.done}, nil
}

type followReader struct {
	ctx  context.Context
	f    *os.File
	done <-chan struct{}
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 || !errors.Is(err, io.EOF) {
			return n, err
		}
		select {
		case <-r.done:
			// Drain what was written before exit.
			n, err := r.f.Read(p)
			if n > 0 {
				return n, nil
			}
			return 0, err
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (r *followReader) Close() error {
	return r.f.Close()
}

// stampWriter prefixes every complete line with an RFC 3339 timestamp.
type stampWriter struct {
	mu      sync.Mutex
	w       io.Writer
	now     func() time.Time
	partial bytes.Buffer
}

func (s *stampWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial.Write(p)
	for {
		line, err := s.partial.ReadBytes('\n')
		if err != nil {
			// Keep the incomplete tail for the next write.
			rest := append([]byte(nil), line...)
			s.partial.Reset()
			s.partial.Write(rest)
			return len(p), nil
		}
		if err := s.emit(line); err != nil {
			return 0, err
		}
	}
}

// Flush writes a trailing line that never got its newline.
func (s *stampWriter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partial.Len() == 0 {
		return
	}
	line := append(s.partial.Bytes(), '\n')
	s.partial.Reset()
	s.emit(line)
}

func (s *stampWriter) emit(line []byte) error {
	bw := bufio.NewWriter(s.w)
	bw.WriteString(s.now().UTC().Format(time.RFC3339Nano))
	bw.WriteByte(' ')
	bw.Write(line)
	return bw.Flush()
}
