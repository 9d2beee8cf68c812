package client

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	spawnReadyTimeout = 5 * time.Second
	spawnProbeEvery   = 50 * time.Millisecond
)

// autoSpawnServer starts a detached server process on the socket path and
// waits for it to answer. Readiness is probed by connecting, not guessed
// with a sleep, so a slow machine cannot race the retry.
func autoSpawnServer(path string, logger *logrus.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, "server", "--socket", path, "--exit-on-empty")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn server: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.WithError(err).Debug("release spawned server handle")
	}
	logger.WithField("pid", pid).Debug("server spawned, probing socket")

	return waitSocketReady(path, spawnReadyTimeout)
}

// waitSocketReady polls the socket path until a connect succeeds.
func waitSocketReady(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", path, spawnProbeEvery)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready on %s within %s: %w", path, timeout, err)
		}
		time.Sleep(spawnProbeEvery)
	}
}
