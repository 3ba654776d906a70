// Package supervisor spawns and tears down worker processes.
//
// Workers run in their own process group so termination reaches any
// children they start (the recognizer, for example).
package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// DefaultGracefulTimeout is how long Shutdown waits after SIGTERM before SIGKILL
const DefaultGracefulTimeout = 5 * time.Second

// outputWaitDelay bounds how long Wait keeps draining output after exit
const outputWaitDelay = time.Second

var ErrNotStarted = errors.New("process not started")

// Process is a handle on a spawned worker
type Process interface {
	PID() int
	IsAlive() bool
	// Terminate asks the process to exit
	Terminate() error
	// Kill forces the process to exit
	Kill() error
	// Join waits up to timeout for the process to exit and reports whether it did
	Join(timeout time.Duration) bool
	// ExitErr is the exit error of a process that has exited, nil otherwise
	ExitErr() error
}

// Spec describes a process to spawn
type Spec struct {
	// Name tags the process in logs, usually the device name
	Name    string
	Binary  string
	Args    []string
	Env     map[string]string
	WorkDir string
}

// Spawner starts processes
type Spawner interface {
	Spawn(spec Spec) (Process, error)
}

// ExecSpawner spawns local executables and re-logs their output
type ExecSpawner struct {
	logger *slog.Logger
}

// NewExecSpawner creates a spawner
func NewExecSpawner(logger *slog.Logger) *ExecSpawner {
	return &ExecSpawner{logger: logger.With("component", "supervisor")}
}

// Spawn starts spec.Binary in a new process group with spec.Env added to
// the inherited environment
func (s *ExecSpawner) Spawn(spec Spec) (Process, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("no binary for process %s", spec.Name)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}

	logger := s.logger.With("device", spec.Name)
	stdout := &lineLogger{logger: logger, stream: "stdout"}
	stderr := &lineLogger{logger: logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	h := &Handle{
		name:   spec.Name,
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger,
	}

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()

		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)

		if err != nil {
			logger.Info("Worker exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			logger.Info("Worker exited", "pid", cmd.Process.Pid)
		}
	}()

	logger.Info("Worker started", "pid", cmd.Process.Pid, "binary", spec.Binary)
	return h, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// Handle is a process started by ExecSpawner
type Handle struct {
	name   string
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	exitErr error
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) IsAlive() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the process group
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group
func (h *Handle) Kill() error {
	return h.signal(syscall.SIGKILL)
}

func (h *Handle) signal(sig syscall.Signal) error {
	pid := h.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if !h.IsAlive() {
		return nil
	}

	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		// Fall back to the process itself if the group is gone
		if perr := h.cmd.Process.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
			return fmt.Errorf("failed to signal %s: %w", h.name, perr)
		}
	}
	h.logger.Debug("Signalled worker", "pid", pid, "signal", sig.String())
	return nil
}

func (h *Handle) Join(timeout time.Duration) bool {
	if h.done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Shutdown terminates p, waits up to grace for it to exit and kills it if it
// has not. It returns an error only if the process is still alive afterwards.
func Shutdown(p Process, grace time.Duration) error {
	if p == nil || !p.IsAlive() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracefulTimeout
	}

	if err := p.Terminate(); err != nil {
		return err
	}
	if p.Join(grace) {
		return nil
	}

	if err := p.Kill(); err != nil {
		return err
	}
	if !p.Join(grace) {
		return fmt.Errorf("process %d still alive after kill", p.PID())
	}
	return nil
}

// lineLogger re-logs process output one line at a time
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Debug("Worker output", "stream", w.stream, "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.logger.Debug("Worker output", "stream", w.stream, "line", string(w.buf))
		w.buf = nil
	}
}
