package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultSocketPath places the listening socket in the per-user runtime
// directory, falling back to a user-owned directory under the temp root.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "monomux", "monomux.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("monomux-%d", os.Getuid()), "monomux.sock")
}

// nonBlockingSocket creates an AF_UNIX stream socket that never blocks and
// never leaks across exec.
func nonBlockingSocket() (int, error) {
	return unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// probeLive connects to path and reports whether a server answers there.
func probeLive(path string) bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	return unix.Connect(fd, &unix.SockaddrUnix{Name: path}) == nil
}

// bindSocket binds and listens on path. A leftover socket file from a dead
// server is unlinked and the bind retried; a live server answering on the
// path is an error. The socket directory is created user-only, and the
// socket file itself is tightened to user-only permissions.
func bindSocket(path string) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return -1, fmt.Errorf("create socket directory: %w", err)
		}
	}

	fd, err := nonBlockingSocket()
	if err != nil {
		return -1, fmt.Errorf("create listener: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	err = unix.Bind(fd, addr)
	if errors.Is(err, unix.EADDRINUSE) {
		if probeLive(path) {
			unix.Close(fd)
			return -1, fmt.Errorf("bind %s: another server is running", path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			unix.Close(fd)
			return -1, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		err = unix.Bind(fd, addr)
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return -1, fmt.Errorf("restrict socket permissions: %w", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return -1, fmt.Errorf("listen on %s: %w", path, err)
	}
	return fd, nil
}
