package client

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/monomux/internal/server"
)

const testTimeout = 5 * time.Second

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
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
		case <-time.After(testTimeout):
			t.Error("server loop did not stop")
			return
		}
		srv.Shutdown("test torn down")
	})
	return srv
}

func TestConnectRequiresSocketPath(t *testing.T) {
	_, err := Connect(nil)
	require.Error(t, err)
	_, err = Connect(&Options{})
	require.Error(t, err)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	_, err := Connect(&Options{SocketPath: filepath.Join(t.TempDir(), "nobody.sock")})
	require.Error(t, err)
}

func TestConnectCompletesHandshake(t *testing.T) {
	srv := startTestServer(t)

	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	assert.NotZero(t, c.ID())
	sessions, err := c.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMakeSessionAttachAndForward(t *testing.T) {
	srv := startTestServer(t)
	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	name, err := c.MakeSession("s1", "/bin/cat", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", name)

	require.NoError(t, c.Attach("s1"))

	_, err = c.data.Write([]byte("ping\n"))
	require.NoError(t, err)

	require.NoError(t, c.data.SetReadDeadline(time.Now().Add(testTimeout)))
	var out strings.Builder
	buf := make([]byte, 4096)
	for !strings.Contains(out.String(), "ping") {
		n, err := c.data.Read(buf)
		require.NoError(t, err)
		out.Write(buf[:n])
	}
}

func TestMakeSessionAutoName(t *testing.T) {
	srv := startTestServer(t)
	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	name, err := c.MakeSession("", "/bin/cat", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cat-0", name)
}

func TestAttachUnknownSession(t *testing.T) {
	srv := startTestServer(t)
	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	err = c.Attach("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestDuplicateSessionName(t *testing.T) {
	srv := startTestServer(t)
	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.MakeSession("dup", "/bin/cat", nil, nil, nil)
	require.NoError(t, err)
	_, err = c.MakeSession("dup", "/bin/cat", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taken")
}

func TestStatistics(t *testing.T) {
	srv := startTestServer(t)
	c, err := Connect(&Options{SocketPath: srv.SocketPath()})
	require.NoError(t, err)
	defer c.Close()

	text, err := c.Statistics()
	require.NoError(t, err)
	assert.Contains(t, text, "uptime")
	assert.Contains(t, text, "clients")
}

func TestWaitSocketReadySucceedsOnLateListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")

	go func() {
		time.Sleep(200 * time.Millisecond)
		l, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	require.NoError(t, waitSocketReady(path, testTimeout))
}

func TestWaitSocketReadyTimesOut(t *testing.T) {
	err := waitSocketReady(filepath.Join(t.TempDir(), "never.sock"), 300*time.Millisecond)
	require.Error(t, err)
}

func TestSplitAtDetachKey(t *testing.T) {
	payload, detach := splitAtDetachKey([]byte("abc"))
	assert.Equal(t, []byte("abc"), payload)
	assert.False(t, detach)

	payload, detach = splitAtDetachKey([]byte{'a', 'b', detachKey, 'c'})
	assert.Equal(t, []byte("ab"), payload)
	assert.True(t, detach)

	payload, detach = splitAtDetachKey([]byte{detachKey})
	assert.Empty(t, payload)
	assert.True(t, detach)
}
