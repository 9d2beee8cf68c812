// Package ptyhost spawns child processes under a fresh pseudo-terminal and
// keeps the master side for the server to route bytes through. It owns the
// three per-child control operations the multiplexer needs: window-size
// updates, signal delivery to the child's process group, and non-blocking
// reaping after SIGCHLD.
package ptyhost

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrExited reports an operation on a child that has already been reaped.
var ErrExited = errors.New("child already exited")

// SpawnOptions describes the child to run under the PTY slave.
type SpawnOptions struct {
	// Program is the executable path. Empty means the user's shell, with
	// /bin/sh as the fallback.
	Program string
	// Argv are the arguments after the program name.
	Argv []string
	// SetEnv entries are added to (or override) the inherited environment.
	SetEnv map[string]string
	// UnsetEnv names are removed from the inherited environment before
	// SetEnv is applied.
	UnsetEnv []string
	// Rows and Cols set the initial terminal size.
	Rows uint16 `default:"24"`
	Cols uint16 `default:"80"`
	// Logger may be nil for a no-op logger.
	Logger *logrus.Logger
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Process is one spawned child and its PTY master. Mutated only by the
// server loop thread, like everything else the loop owns.
type Process struct {
	pid     int
	program string
	logger  *logrus.Entry

	masterFD    int
	masterTaken bool

	exited   bool
	exitCode int32
}

// DefaultShell resolves the program used when a spawn request names none.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// buildEnv merges the inherited environment with the requested mutations.
// Unsets are applied first so a key can be unset and re-set in one request.
func buildEnv(base []string, set map[string]string, unset []string) []string {
	drop := make(map[string]struct{}, len(unset)+len(set))
	for _, k := range unset {
		drop[k] = struct{}{}
	}
	for k := range set {
		drop[k] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, gone := drop[key]; gone {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range set {
		out = append(out, k+"="+v)
	}
	return out
}

// Spawn creates a PTY pair and runs the program under the slave side as a
// new session leader with the slave as its controlling terminal. The parent
// keeps only the master, switched to non-blocking mode.
func Spawn(opts *SpawnOptions) (*Process, error) {
	if opts == nil {
		opts = &SpawnOptions{}
	}
	defaults.SetDefaults(opts)
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	program := opts.Program
	if program == "" {
		program = DefaultShell()
	}

	cmd := exec.Command(program, opts.Argv...)
	cmd.Env = buildEnv(os.Environ(), opts.SetEnv, opts.UnsetEnv)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", program, err)
	}

	// Detach the descriptor from the *os.File so its finalizer can never
	// close a number the buffered channel now owns.
	fd, err := unix.Dup(int(ptmx.Fd()))
	ptmx.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("spawn %s: dup master: %w", program, err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("spawn %s: set non-blocking: %w", program, err)
	}

	p := &Process{
		pid:      cmd.Process.Pid,
		program:  program,
		logger:   logger.WithField("pid", cmd.Process.Pid).WithField("program", program),
		masterFD: fd,
		exitCode: -1,
	}
	p.logger.Debug("spawned child under pty")
	return p, nil
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.pid }

// Program returns the executable path the child runs.
func (p *Process) Program() string { return p.program }

// TakeMaster transfers ownership of the master descriptor to the caller.
// After the transfer, Close no longer closes it; Resize keeps working while
// the new owner holds the descriptor open.
func (p *Process) TakeMaster() int {
	p.masterTaken = true
	return p.masterFD
}

// Resize applies the terminal window-size ioctl on the master. The kernel
// raises SIGWINCH in the child as a side effect.
func (p *Process) Resize(rows, cols uint16) error {
	if p.exited {
		return ErrExited
	}
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(p.masterFD, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("resize pty to %dx%d: %w", cols, rows, err)
	}
	return nil
}

// Signal delivers a signal to the child's process group. The child is a
// session leader, so its group ID equals its PID.
func (p *Process) Signal(signo int32) error {
	if p.exited {
		return ErrExited
	}
	if err := unix.Kill(-p.pid, unix.Signal(signo)); err != nil {
		return fmt.Errorf("signal %d to pgid %d: %w", signo, p.pid, err)
	}
	return nil
}

// ReapIfDead performs a non-blocking wait for the child and reports whether
// this Process's child is now reaped. pid narrows the check: a value other
// than -1 that does not match the child returns false without waiting.
// Reaping is one-shot; later calls for the same child return true without
// touching the process table again.
func (p *Process) ReapIfDead(pid int) bool {
	if pid != -1 && pid != p.pid {
		return false
	}
	if p.exited {
		return true
	}

	var ws unix.WaitStatus
	for {
		got, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: someone else reaped it or it never existed. Treat as
			// dead with an unknown exit code so the session can wind down.
			p.exited = true
			p.exitCode = -1
			p.logger.WithError(err).Warn("wait for child failed")
			return true
		}
		if got != p.pid {
			return false
		}
		break
	}

	p.exited = true
	switch {
	case ws.Exited():
		p.exitCode = int32(ws.ExitStatus())
	case ws.Signaled():
		p.exitCode = 128 + int32(ws.Signal())
	default:
		p.exitCode = -1
	}
	p.logger.WithField("exit_code", p.exitCode).Debug("reaped child")
	return true
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool { return p.exited }

// ExitCode returns the recorded exit status: the child's own code, 128 plus
// the signal number for a signal death, or -1 when unknown. Valid only
// after Exited reports true.
func (p *Process) ExitCode() int32 { return p.exitCode }

// Close releases the master descriptor unless TakeMaster handed it off.
// Closing the master delivers SIGHUP to the child's foreground group, which
// is the polite shutdown path for an abandoned session.
func (p *Process) Close() error {
	if p.masterTaken || p.masterFD < 0 {
		return nil
	}
	err := unix.Close(p.masterFD)
	p.masterFD = -1
	return err
}
