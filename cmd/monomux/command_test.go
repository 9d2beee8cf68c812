package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/monomux/internal/client"
	"github.com/srg/monomux/internal/server"
	"github.com/srg/monomux/internal/testutils"
)

// startCommandServer runs a server for command tests and returns its socket
// path. XDG_CONFIG_HOME is pointed at an empty directory so a developer's
// real config cannot leak into assertions.
func startCommandServer(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	srv, err := server.New(&server.Options{
		SocketPath: filepath.Join(t.TempDir(), "mux.sock"),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Loop(); err != nil {
			t.Errorf("server loop failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		srv.Interrupt()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server loop did not stop")
			return
		}
		srv.Shutdown("test torn down")
	})
	return srv.SocketPath()
}

// executeCommand runs the root command with args, returning its combined
// output and error.
func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestNewThenListJSON(t *testing.T) {
	socket := startCommandServer(t)

	out, err := executeCommand("new", "--socket", socket, "s1", "--", "/bin/cat")
	require.NoError(t, err)
	assert.Equal(t, "s1", strings.TrimSpace(out))

	out, err = executeCommand("list", "--socket", socket, "--format", "json")
	require.NoError(t, err)
	testutils.AssertJSON(t, out, `[{"name":"s1","dead":false,"created_at":"<<ANYTHING>>"}]`)
}

func TestNewDuplicateNameFails(t *testing.T) {
	socket := startCommandServer(t)

	_, err := executeCommand("new", "--socket", socket, "dup", "--", "/bin/cat")
	require.NoError(t, err)
	_, err = executeCommand("new", "--socket", socket, "dup", "--", "/bin/cat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taken")
	assert.Equal(t, exitInvocation, exitStatus(err))
}

func TestNewGeneratesName(t *testing.T) {
	socket := startCommandServer(t)

	out, err := executeCommand("new", "--socket", socket, "--", "/bin/cat")
	require.NoError(t, err)
	assert.Equal(t, "cat-0", strings.TrimSpace(out))
}

func TestListInvalidFormat(t *testing.T) {
	_, err := executeCommand("list", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, exitInvocation, exitStatus(err))
	// restore for later invocations; flag values persist on the package var
	listFormat = "table"
}

func TestListWithoutServerFails(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := executeCommand("list", "--socket", filepath.Join(t.TempDir(), "nobody.sock"), "--format", "json")
	require.Error(t, err)
	assert.Equal(t, exitSystem, exitStatus(err))
}

func TestStatsShowsServerCounters(t *testing.T) {
	socket := startCommandServer(t)

	out, err := executeCommand("stats", "--socket", socket)
	require.NoError(t, err)
	assert.Contains(t, out, "uptime")
	assert.Contains(t, out, "clients")
}

func TestDetachAllLeavesSessionRunning(t *testing.T) {
	socket := startCommandServer(t)

	_, err := executeCommand("new", "--socket", socket, "s1", "--", "/bin/cat")
	require.NoError(t, err)
	_, err = executeCommand("detach", "--socket", socket, "s1")
	require.NoError(t, err)

	out, err := executeCommand("list", "--socket", socket, "--format", "json")
	require.NoError(t, err)
	testutils.AssertJSON(t, out, `[{"name":"s1","dead":false}]`)
}

func TestSignalTerminatesSession(t *testing.T) {
	socket := startCommandServer(t)

	_, err := executeCommand("new", "--socket", socket, "victim", "--", "/bin/cat")
	require.NoError(t, err)
	_, err = executeCommand("signal", "--socket", socket, "victim", "TERM")
	require.NoError(t, err)

	c, err := client.Connect(&client.Options{SocketPath: socket})
	require.NoError(t, err)
	defer c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		sessions, err := c.ListSessions()
		require.NoError(t, err)
		if len(sessions) == 0 {
			return
		}
		require.False(t, time.Now().After(deadline), "session survived SIGTERM: %v", sessions)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSignalUnknownSession(t *testing.T) {
	socket := startCommandServer(t)

	_, err := executeCommand("signal", "--socket", socket, "ghost", "TERM")
	require.Error(t, err)
	assert.Equal(t, exitInvocation, exitStatus(err))
}

func TestSplitNameAndProgram(t *testing.T) {
	run := func(args ...string) (name, program string, argv []string, err error) {
		cmd := &cobra.Command{
			Use:  "probe",
			Args: cobra.ArbitraryArgs,
			RunE: func(c *cobra.Command, got []string) error {
				name, program, argv, err = splitNameAndProgram(c, got)
				return nil
			},
		}
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return
	}

	name, program, argv, err := run("s1", "--", "/bin/sh", "-c", "sleep 1")
	require.NoError(t, err)
	assert.Equal(t, "s1", name)
	assert.Equal(t, "/bin/sh", program)
	assert.Equal(t, []string{"-c", "sleep 1"}, argv)

	name, program, argv, err = run("--", "/bin/cat")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, "/bin/cat", program)
	assert.Empty(t, argv)

	name, program, argv, err = run("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", name)
	assert.Empty(t, program)

	name, program, argv, err = run()
	require.NoError(t, err)
	assert.Empty(t, name)

	_, _, _, err = run("a", "b")
	require.Error(t, err)
}
