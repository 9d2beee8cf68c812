// Package client implements the connecting side of the multiplexer: the
// two-socket handshake, typed requests over the control stream, and the
// raw-terminal pump that ferries bytes between the local terminal and an
// attached session.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/monomux/internal/protocol"
)

// ErrRejected reports that the server answered a request with a Reject
// frame; the wrapped text carries the server's reason.
var ErrRejected = errors.New("rejected by server")

const dialTimeout = 2 * time.Second

// Options configures a connection attempt.
type Options struct {
	// SocketPath locates the server. Required; the command layer resolves
	// the per-user default.
	SocketPath string
	// AutoSpawn starts a fresh server when nothing answers on the socket,
	// then waits for it to become ready before retrying.
	AutoSpawn bool
	// Logger may be nil for a no-op logger.
	Logger *logrus.Logger
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Client is one established connection pair. Requests are serialized over
// the control stream; the data stream carries raw session bytes only.
type Client struct {
	logger *logrus.Logger

	control net.Conn
	data    net.Conn
	id      uint32

	// sendMu serializes control-stream writes; the attach pump sends
	// window updates and detach requests from other goroutines.
	sendMu sync.Mutex
}

// Connect dials the server and completes the two-socket handshake. The
// first connection is greeted with an identity and a single-use nonce; the
// second presents both and becomes the data channel.
func Connect(opts *Options) (*Client, error) {
	if opts == nil || opts.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	control, err := net.DialTimeout("unix", opts.SocketPath, dialTimeout)
	if err != nil {
		if !opts.AutoSpawn {
			return nil, fmt.Errorf("connect %s: %w", opts.SocketPath, err)
		}
		logger.WithField("socket", opts.SocketPath).Info("no server answering, spawning one")
		if err := autoSpawnServer(opts.SocketPath, logger); err != nil {
			return nil, err
		}
		control, err = net.DialTimeout("unix", opts.SocketPath, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect %s after spawn: %w", opts.SocketPath, err)
		}
	}

	hello, err := expect[protocol.ClientID](control)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}

	data, err := net.DialTimeout("unix", opts.SocketPath, dialTimeout)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("open data stream: %w", err)
	}
	// The server greets every connection; the data stream's own identity
	// is discarded by the handshake.
	if _, err := expect[protocol.ClientID](data); err != nil {
		control.Close()
		data.Close()
		return nil, fmt.Errorf("data greeting: %w", err)
	}
	if err := protocol.WriteMessage(data, protocol.DataHandshake{ID: hello.ID, Nonce: hello.Nonce}); err != nil {
		control.Close()
		data.Close()
		return nil, fmt.Errorf("send data handshake: %w", err)
	}
	if _, err := expect[protocol.DataHandshakeAck](control); err != nil {
		control.Close()
		data.Close()
		return nil, fmt.Errorf("data handshake: %w", err)
	}

	logger.WithField("client", hello.ID).Debug("handshake complete")
	return &Client{logger: logger, control: control, data: data, id: hello.ID}, nil
}

// expect reads one frame and requires it to be of type T. A Reject frame
// is surfaced as ErrRejected with the server's reason.
func expect[T protocol.Message](conn net.Conn) (T, error) {
	var zero T
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return zero, err
	}
	if rej, ok := msg.(protocol.Reject); ok {
		return zero, fmt.Errorf("%w: %s", ErrRejected, rej.Reason)
	}
	want, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s frame", msg.Kind())
	}
	return want, nil
}

// ID returns the identity the server assigned.
func (c *Client) ID() uint32 { return c.id }

func (c *Client) send(msg protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteMessage(c.control, msg)
}

// roundTrip sends a request and decodes the typed response. Must not run
// concurrently with the attach pump, which owns the control stream then.
func roundTrip[T protocol.Message](c *Client, req protocol.Message) (T, error) {
	var zero T
	if err := c.send(req); err != nil {
		return zero, err
	}
	return expect[T](c.control)
}

// ListSessions fetches the server's session table.
func (c *Client) ListSessions() ([]protocol.SessionEntry, error) {
	resp, err := roundTrip[protocol.SessionListResp](c, protocol.SessionListReq{})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// MakeSession asks the server to spawn a session and returns its final
// name, which may be auto-generated when none was requested.
func (c *Client) MakeSession(name, program string, argv []string, setEnv map[string]string, unsetEnv []string) (string, error) {
	resp, err := roundTrip[protocol.MakeSessionResp](c, protocol.MakeSessionReq{
		Name:     name,
		Program:  program,
		Argv:     argv,
		SetEnv:   setEnv,
		UnsetEnv: unsetEnv,
	})
	if err != nil {
		return "", err
	}
	if resp.Err != "" {
		return "", errors.New(resp.Err)
	}
	return resp.Name, nil
}

// Attach joins the named session's forwarding set.
func (c *Client) Attach(name string) error {
	resp, err := roundTrip[protocol.AttachResp](c, protocol.AttachReq{Name: name})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Reason)
	}
	return nil
}

// Detach leaves the current session, or detaches every client of the
// named session when all is set.
func (c *Client) Detach(all bool, session string) error {
	return c.send(protocol.Detach{All: all, Session: session})
}

// Signal forwards a signal number to the attached session's child.
func (c *Client) Signal(signo int32) error {
	return c.send(protocol.Signal{Signo: signo})
}

// WindowSize reports the local terminal dimensions to the server.
func (c *Client) WindowSize(rows, cols uint16) error {
	return c.send(protocol.WindowSize{Rows: rows, Cols: cols})
}

// Statistics fetches the server's diagnostic text.
func (c *Client) Statistics() (string, error) {
	resp, err := roundTrip[protocol.StatisticsResp](c, protocol.StatisticsReq{})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Close releases both streams.
func (c *Client) Close() error {
	var first error
	if c.control != nil {
		first = c.control.Close()
	}
	if c.data != nil {
		if err := c.data.Close(); first == nil {
			first = err
		}
	}
	return first
}
