package ptyhost

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// waitReaped polls ReapIfDead until the child dies or the deadline passes.
func waitReaped(t *testing.T, p *Process, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.ReapIfDead(-1) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("child %d not reaped within %v", p.PID(), timeout)
}

// readMaster collects PTY output until the pattern appears, the child dies
// with the master drained, or the deadline passes.
func readMaster(t *testing.T, p *Process, want string, timeout time.Duration) string {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := unix.Read(p.masterFD, buf)
		if n > 0 {
			out.Write(buf[:n])
			if strings.Contains(out.String(), want) {
				return out.String()
			}
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		// EIO means the slave side is gone; whatever we have is final.
		break
	}
	return out.String()
}

func TestSpawnReportsExitCode(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "exit 7"}})
	require.NoError(t, err)
	defer p.Close()

	waitReaped(t, p, 5*time.Second)
	assert.True(t, p.Exited())
	assert.Equal(t, int32(7), p.ExitCode())
}

func TestReapIgnoresForeignPID(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, p.ReapIfDead(p.PID()+1))
	waitReaped(t, p, 5*time.Second)

	// Reaping is one-shot: the answer stays stable.
	assert.True(t, p.ReapIfDead(-1))
	assert.True(t, p.ReapIfDead(p.PID()))
}

func TestSpawnSetsEnvironment(t *testing.T) {
	p, err := Spawn(&SpawnOptions{
		Program: "/bin/sh",
		Argv:    []string{"-c", `printf 'VALUE=%s.\n' "$MONOMUX_TEST_VAR"`},
		SetEnv:  map[string]string{"MONOMUX_TEST_VAR": "hello"},
	})
	require.NoError(t, err)
	defer p.Close()

	out := readMaster(t, p, "VALUE=hello.", 5*time.Second)
	assert.Contains(t, out, "VALUE=hello.")
	waitReaped(t, p, 5*time.Second)
}

func TestSpawnUnsetsEnvironment(t *testing.T) {
	t.Setenv("MONOMUX_DOOMED_VAR", "present")

	p, err := Spawn(&SpawnOptions{
		Program:  "/bin/sh",
		Argv:     []string{"-c", `printf 'VALUE=%s.\n' "${MONOMUX_DOOMED_VAR-gone}"`},
		UnsetEnv: []string{"MONOMUX_DOOMED_VAR"},
	})
	require.NoError(t, err)
	defer p.Close()

	out := readMaster(t, p, "VALUE=gone.", 5*time.Second)
	assert.Contains(t, out, "VALUE=gone.")
	waitReaped(t, p, 5*time.Second)
}

func TestResizeAppliesWinsize(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "sleep 5"}})
	require.NoError(t, err)
	defer p.Close()
	defer p.Signal(int32(unix.SIGKILL))

	require.NoError(t, p.Resize(50, 132))
	ws, err := unix.IoctlGetWinsize(p.masterFD, unix.TIOCGWINSZ)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), ws.Row)
	assert.Equal(t, uint16(132), ws.Col)
}

func TestSignalKillsProcessGroup(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sleep", Argv: []string{"30"}})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Signal(int32(unix.SIGTERM)))
	waitReaped(t, p, 5*time.Second)
	assert.Equal(t, int32(128+int32(unix.SIGTERM)), p.ExitCode())
}

func TestSignalAfterExit(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	defer p.Close()

	waitReaped(t, p, 5*time.Second)
	assert.ErrorIs(t, p.Signal(int32(unix.SIGTERM)), ErrExited)
	assert.ErrorIs(t, p.Resize(24, 80), ErrExited)
}

func TestTakeMasterTransfersOwnership(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "exit 0"}})
	require.NoError(t, err)

	fd := p.TakeMaster()
	require.NoError(t, p.Close())

	// Close must not have touched the transferred descriptor.
	_, err = unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))
	waitReaped(t, p, 5*time.Second)
}

func TestDefaultsApplied(t *testing.T) {
	p, err := Spawn(&SpawnOptions{Program: "/bin/sh", Argv: []string{"-c", "sleep 5"}})
	require.NoError(t, err)
	defer p.Close()
	defer p.Signal(int32(unix.SIGKILL))

	ws, err := unix.IoctlGetWinsize(p.masterFD, unix.TIOCGWINSZ)
	require.NoError(t, err)
	assert.Equal(t, uint16(24), ws.Row)
	assert.Equal(t, uint16(80), ws.Col)
}

func TestBuildEnvSetOverridesAndUnsetRemoves(t *testing.T) {
	base := []string{"KEEP=1", "DROP=2", "OVERRIDE=old"}
	env := buildEnv(base, map[string]string{"OVERRIDE": "new", "ADDED": "3"}, []string{"DROP"})

	assert.Contains(t, env, "KEEP=1")
	assert.Contains(t, env, "OVERRIDE=new")
	assert.Contains(t, env, "ADDED=3")
	assert.NotContains(t, env, "DROP=2")
	assert.NotContains(t, env, "OVERRIDE=old")
}
