// Package process starts external processes in their own process group and
// guarantees they are reaped.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Builder creates a command ready to start.
// It allows callers to stay agnostic of the concrete binary.
type Builder interface {
	// BuildCommand returns a command that has NOT been started yet.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human readable name for logs.
	Name() string
}

// CommandBuilder is a Builder for a fixed binary and argument list
type CommandBuilder struct {
	Label string
	Path  string
	Args  []string
	Env   []string // appended to the parent environment when non-empty
}

// Name returns the label, falling back to the binary path
func (b CommandBuilder) Name() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Path
}

// BuildCommand creates the exec.Cmd
func (b CommandBuilder) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if b.Path == "" {
		return nil, errors.New("empty command path")
	}
	cmd := exec.Command(b.Path, b.Args...)
	if len(b.Env) > 0 {
		cmd.Env = append(cmd.Environ(), b.Env...)
	}
	return cmd, nil
}

// Handle owns one started process
type Handle struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	waitErr  error
	exitCode int
}

// Start launches cmd in a new process group and reaps it in the background
func Start(name string, cmd *exec.Cmd) (*Handle, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	h := &Handle{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.exitCode = extractExitCode(err)
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Name returns the process label
func (h *Handle) Name() string {
	return h.name
}

// PID returns the process id
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has already exited
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once Done is closed.
// Signal deaths are reported as 128+signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns the Wait error once Done is closed
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Stop sends SIGTERM to the process group, then SIGKILL after timeout.
// It always waits for the process to be reaped and is safe to call repeatedly.
func (h *Handle) Stop(timeout time.Duration) error {
	if h.Exited() {
		return nil
	}

	h.signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}

	h.signal(syscall.SIGKILL)
	<-h.done
	return fmt.Errorf("%s did not exit within %s, killed", h.name, timeout)
}

// Kill sends SIGKILL to the process group and waits for it to be reaped
func (h *Handle) Kill() {
	if h.Exited() {
		return
	}
	h.signal(syscall.SIGKILL)
	<-h.done
}

func (h *Handle) signal(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative PGID targets the full process group
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = h.cmd.Process.Signal(sig)
}

// extractExitCode extracts the exit code from a Wait() error
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	return 1
}

// FreePort asks the kernel for an unused TCP port on the loopback interface
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
