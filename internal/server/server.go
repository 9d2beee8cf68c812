// Package server implements the connection and session multiplexer: a
// single-threaded poll loop that accepts clients on a unix socket, drives
// the two-socket handshake, owns PTY-backed sessions, and routes bytes
// between session masters and attached clients. Signal handlers are the
// only concurrent actors and talk to the loop through an atomic interrupt
// flag and the bounded dead-child slots.
package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/monomux/internal/channel"
	"github.com/srg/monomux/internal/protocol"
	"github.com/srg/monomux/internal/ptyhost"
)

// readChunk bounds one routing read so a flooding endpoint cannot hold the
// loop; the poll set re-reports leftover readiness immediately.
const readChunk = 16 << 10

// pollTimeout caps one wait so housekeeping runs even on a silent server.
const pollTimeout = time.Second

// Options configures a Server.
type Options struct {
	// SocketPath is the listening socket location. Empty means
	// DefaultSocketPath.
	SocketPath string
	// ExitOnLastSessionTerminate stops the loop once the last session is
	// gone, after at least one session existed.
	ExitOnLastSessionTerminate bool
	// HandshakeTimeout disconnects clients that never complete the data
	// handshake.
	HandshakeTimeout time.Duration `default:"30s"`
	// Logger may be nil for a no-op logger.
	Logger *logrus.Logger
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Server owns all clients and sessions. Everything except Interrupt and
// RegisterDeadChild must be called from one goroutine.
type Server struct {
	opts   *Options
	logger *logrus.Logger

	socketPath string
	listenFD   int
	wakeR      int
	wakeW      int

	interrupted atomic.Bool

	registry *registry
	state    *serverState
	handlers map[protocol.Kind]Handler
	dead     *deadChildSlots
	nonces   nonceSource

	startedAt       time.Time
	clientsAccepted uint64
	framesHandled   uint64
}

// New binds the listening socket and prepares the loop. The caller runs
// Loop and must always follow up with Shutdown.
func New(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	path := opts.SocketPath
	if path == "" {
		path = DefaultSocketPath()
	}

	listenFD, err := bindSocket(path)
	if err != nil {
		return nil, err
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(listenFD)
		os.Remove(path)
		return nil, fmt.Errorf("create wakeup pipe: %w", err)
	}

	s := &Server{
		opts:       opts,
		logger:     logger,
		socketPath: path,
		listenFD:   listenFD,
		wakeR:      pipe[0],
		wakeW:      pipe[1],
		registry:   newRegistry(),
		state:      newServerState(),
		handlers:   defaultHandlers(),
		dead:       newDeadChildSlots(),
		startedAt:  time.Now(),
	}
	logger.WithField("socket", path).Info("server listening")
	return s, nil
}

// SocketPath returns the bound socket location.
func (s *Server) SocketPath() string { return s.socketPath }

// Interrupt asks the loop to stop. Safe from any goroutine, including the
// signal path.
func (s *Server) Interrupt() {
	s.interrupted.Store(true)
	s.wake()
}

// RegisterDeadChild queues a dead-child notification for the loop. pid may
// be -1 to request a sweep of every session. Safe from the signal path.
func (s *Server) RegisterDeadChild(pid int32) {
	s.dead.push(pid)
}

// wake kicks the loop out of its poll wait. A full pipe already guarantees
// a pending wakeup, so EAGAIN is fine.
func (s *Server) wake() {
	var b [1]byte
	_, _ = unix.Write(s.wakeW, b[:])
}

// Loop runs until Interrupt or, with exit-on-empty, until the last session
// is gone. Each iteration reaps dead children, waits for readiness with a
// bounded timeout, dispatches ready handles through the registry, prunes
// failed entities, and trims idle buffers.
func (s *Server) Loop() error {
	for !s.interrupted.Load() {
		s.sweepDeadChildren()
		s.finishDyingSessions()

		if s.opts.ExitOnLastSessionTerminate && s.state.everHadSession && s.state.sessions.Len() == 0 {
			s.logger.Info("last session terminated, leaving loop")
			return nil
		}

		fds := s.buildPollSet()
		n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			s.dispatchReady(fds)
		}

		s.pruneClients()
		s.housekeep()
	}
	return nil
}

// buildPollSet assembles the poll entries for this iteration: listener,
// wakeup pipe, every live client stream, every live session master. Write
// readiness is only requested while a channel has buffered output.
func (s *Server) buildPollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, 2+2*len(s.state.clients)+s.state.sessions.Len())
	fds = append(fds,
		unix.PollFd{Fd: int32(s.listenFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN},
	)

	arm := func(ch *channel.BufferedChannel) {
		if ch == nil || ch.Failed() {
			return
		}
		ev := int16(unix.POLLIN)
		if ch.HasPendingWrites() {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(ch.FD()), Events: ev})
	}

	for _, c := range s.state.clients {
		arm(c.control)
		arm(c.data)
	}
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		arm(pair.Value.master)
	}
	return fds
}

// dispatchReady resolves each ready descriptor through the registry and
// runs its owner's read or flush path.
func (s *Server) dispatchReady(fds []unix.PollFd) {
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		switch fd {
		case s.listenFD:
			s.acceptAll()
			continue
		case s.wakeR:
			s.drainWakeups()
			continue
		}

		tag, ok := s.registry.lookup(fd)
		if !ok {
			continue
		}
		readable := pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		writable := pfd.Revents&unix.POLLOUT != 0

		switch tag.kind {
		case entryClientControl:
			if c, ok := s.state.getClient(tag.client); ok {
				if writable {
					s.flush(c.control)
				}
				if readable {
					s.readControl(c)
				}
			}
		case entryClientData:
			if c, ok := s.state.getClient(tag.client); ok {
				if writable {
					s.flush(c.data)
				}
				if readable {
					s.readClientData(c)
				}
			}
		case entrySession:
			if sess, ok := s.state.getSession(tag.session); ok {
				if writable {
					s.flush(sess.master)
				}
				if readable {
					s.readSessionMaster(sess)
				}
			}
		}
	}
}

func (s *Server) drainWakeups() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Server) flush(ch *channel.BufferedChannel) {
	if ch == nil || ch.Failed() {
		return
	}
	if _, err := ch.FlushWrites(); err != nil {
		s.logger.WithError(err).WithField("channel", ch.Name()).Debug("flush failed")
	}
}

// acceptAll accepts every pending connection. Each one starts as a
// provisional client: it gets an ID and a single-use nonce immediately;
// whether it stays a control stream or dissolves into another client's
// data channel is decided by its first frames.
func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.logger.WithError(err).Warn("accept failed")
			}
			return
		}

		nonce, err := s.nonces.next()
		if err != nil {
			s.logger.WithError(err).Error("nonce generation failed, dropping connection")
			unix.Close(fd)
			continue
		}

		ch := channel.New(fd, &channel.Options{
			Name:   fmt.Sprintf("client-%d-control", s.state.nextClientID+1),
			Logger: s.logger,
		})
		c := s.state.makeClient(ch, nonce, time.Now().Add(s.opts.HandshakeTimeout))
		if err := s.registry.insert(fd, controlEntry(c.id)); err != nil {
			s.logger.WithError(err).Error("registry insert failed")
			s.destroyClient(c)
			continue
		}
		s.clientsAccepted++
		s.logger.WithField("client", c.id).Debug("accepted control stream")
		s.send(c, protocol.ClientID{ID: uint32(c.id), Nonce: nonce})
	}
}

// readControl pulls bytes off a control stream and dispatches every
// complete frame in arrival order.
func (s *Server) readControl(c *Client) {
	data, err := c.control.Read(readChunk)
	if len(data) > 0 {
		c.frames.Feed(data)
	}
	if err != nil {
		c.state = stateTerminating
		return
	}

	for c.control != nil && c.state != stateTerminating {
		msg, ok, ferr := c.frames.Next()
		if !ok {
			break
		}
		if ferr != nil {
			switch {
			case isFatalFrameError(ferr):
				s.reject(c, ferr.Error())
				return
			default:
				s.logger.WithError(ferr).WithField("client", c.id).Warn("dropping bad frame")
				continue
			}
		}
		s.framesHandled++
		if derr := s.dispatch(c, msg); derr != nil {
			s.reject(c, derr.Error())
			return
		}
	}
}

func isFatalFrameError(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooShort) ||
		errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrBadVersion)
}

// readClientData forwards bytes from a client's data stream into its
// attached session's master, verbatim.
func (s *Server) readClientData(c *Client) {
	data, err := c.data.Read(readChunk)
	if err != nil {
		c.state = stateTerminating
		return
	}
	if len(data) == 0 {
		return
	}
	sess, ok := s.state.getSession(c.attached)
	if !ok {
		// Unattached input has nowhere to go; dropping it mirrors a
		// terminal with no foreground process.
		return
	}
	if _, err := sess.master.Write(data); err != nil {
		s.logger.WithError(err).WithField("session", sess.name).Warn("session input write failed")
	}
}

// readSessionMaster broadcasts PTY output to every attached client's data
// stream. Broadcast is best-effort: one client's failure only fails that
// client.
func (s *Server) readSessionMaster(sess *Session) {
	data, err := sess.master.Read(readChunk)
	if len(data) > 0 {
		s.broadcast(sess, data)
	}
	if err != nil && sess.state == stateRunning {
		// Master EOF usually precedes the SIGCHLD; start winding down.
		sess.state = stateChildExited
	}
}

func (s *Server) broadcast(sess *Session, data []byte) {
	for _, c := range s.state.attachedClients(sess) {
		if c.data == nil || c.data.Failed() {
			continue
		}
		if _, err := c.data.Write(data); err != nil {
			s.logger.WithError(err).WithField("client", c.id).Warn("client fell behind, failing it")
		}
	}
}

// send encodes a frame onto the client's control stream. Delivery failures
// mark the client for removal; the loop never blocks on a slow client.
func (s *Server) send(c *Client, msg protocol.Message) error {
	if c.control == nil || c.control.Failed() {
		return nil
	}
	if _, err := c.control.Write(protocol.EncodeFrame(msg)); err != nil {
		c.state = stateTerminating
		return err
	}
	return nil
}

// reject sends a Reject frame with the reason and marks the client for
// disconnection.
func (s *Server) reject(c *Client, reason string) {
	s.logger.WithField("client", c.id).WithField("reason", reason).Info("rejecting client")
	_ = s.send(c, protocol.Reject{Reason: reason})
	if c.control != nil {
		_, _ = c.control.FlushWrites()
	}
	c.state = stateTerminating
	c.exitReason = reason
}

// spawnSession starts the child under a fresh PTY and wires its master
// into the loop.
func (s *Server) spawnSession(name string, spawn SpawnDescriptor) (*Session, error) {
	proc, err := ptyhost.Spawn(&ptyhost.SpawnOptions{
		Program:  spawn.Program,
		Argv:     spawn.Argv,
		SetEnv:   spawn.SetEnv,
		UnsetEnv: spawn.UnsetEnv,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}

	fd := proc.TakeMaster()
	master := channel.New(fd, &channel.Options{
		Name:   "session-" + name,
		Logger: s.logger,
	})
	if err := s.registry.insert(fd, sessionEntry(name)); err != nil {
		master.Close()
		_ = proc.Signal(int32(unix.SIGKILL))
		proc.ReapIfDead(-1)
		return nil, err
	}

	sess := s.state.makeSession(name, spawn, proc, master)
	s.logger.WithField("session", name).WithField("pid", proc.PID()).Info("session created")
	return sess, nil
}

// sweepDeadChildren drains the slot mailbox and matches PIDs, or the -1
// wildcard, against every session with a non-blocking wait.
func (s *Server) sweepDeadChildren() {
	for _, pid := range s.dead.drain() {
		for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
			sess := pair.Value
			if sess.proc.ReapIfDead(int(pid)) && sess.state == stateRunning {
				s.logger.WithField("session", sess.name).
					WithField("exit_code", sess.proc.ExitCode()).Info("child exited")
				sess.state = stateChildExited
			}
		}
	}
}

// finishDyingSessions walks sessions whose child died or whose master
// failed: remaining master output is drained to attached clients, then
// every attached client gets a SessionExit and the session is removed.
func (s *Server) finishDyingSessions() {
	var dying []*Session
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		sess := pair.Value
		if sess.state != stateRunning || sess.master.Failed() {
			dying = append(dying, sess)
		}
	}

	for _, sess := range dying {
		if !sess.proc.ReapIfDead(-1) && sess.state != stateDraining {
			// The master can fail a moment before the child becomes
			// reapable; hold the session one more iteration so the exit
			// code is known when clients are told.
			sess.state = stateDraining
			continue
		}
		if sess.state == stateRunning {
			sess.state = stateChildExited
		}

		for !sess.master.Failed() {
			data, err := sess.master.Read(readChunk)
			if len(data) > 0 {
				s.broadcast(sess, data)
			}
			if err != nil || len(data) == 0 {
				break
			}
		}
		sess.state = stateDraining

		exitCode := sess.proc.ExitCode()
		for _, c := range s.state.attachedClients(sess) {
			_ = s.send(c, protocol.SessionExit{Name: sess.name, ExitCode: exitCode})
			if c.data != nil && !c.data.Failed() {
				_, _ = c.data.FlushWrites()
			}
		}
		s.destroySession(sess)
	}
}

// destroySession releases everything the session owns and unlinks it.
func (s *Server) destroySession(sess *Session) {
	s.registry.remove(sess.master.FD())
	sess.master.Close()
	sess.proc.Close()
	if !sess.proc.Exited() {
		_ = sess.proc.Signal(int32(unix.SIGHUP))
	}
	s.state.removeSession(sess.name)
	s.logger.WithField("session", sess.name).Info("session removed")
}

// destroyClient releases the client's streams and unlinks it.
func (s *Server) destroyClient(c *Client) {
	if c.control != nil {
		s.registry.remove(c.control.FD())
		c.control.Close()
	}
	if c.data != nil {
		s.registry.remove(c.data.FD())
		c.data.Close()
	}
	s.state.removeClient(c.id)
	s.logger.WithField("client", c.id).Debug("client removed")
}

// pruneClients removes clients whose streams failed, who were marked for
// termination, or who never finished the handshake in time.
func (s *Server) pruneClients() {
	now := time.Now()
	var doomed []*Client
	for _, c := range s.state.clients {
		switch {
		case c.state == stateTerminating, c.failed():
			doomed = append(doomed, c)
		case c.state != stateEstablished && !c.handshakeDeadline.IsZero() && now.After(c.handshakeDeadline):
			s.reject(c, "handshake deadline exceeded")
			doomed = append(doomed, c)
		}
	}
	for _, c := range doomed {
		s.destroyClient(c)
	}
}

// housekeep trims idle ring capacity across all channels.
func (s *Server) housekeep() {
	for _, c := range s.state.clients {
		if c.control != nil {
			c.control.TryTrim()
		}
		if c.data != nil {
			c.data.TryTrim()
		}
	}
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.master.TryTrim()
	}
}

// Shutdown tears the server down after the loop exits: clients get a
// best-effort ServerExit, every stream and child is released, and the
// socket path is unlinked.
func (s *Server) Shutdown(reason string) {
	s.logger.WithField("reason", reason).Info("server shutting down")

	for _, c := range s.state.clients {
		_ = s.send(c, protocol.ServerExit{Reason: reason})
		if c.control != nil && !c.control.Failed() {
			_, _ = c.control.FlushWrites()
		}
	}

	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		sess := pair.Value
		if !sess.proc.Exited() {
			_ = sess.proc.Signal(int32(unix.SIGHUP))
			sess.proc.ReapIfDead(-1)
		}
	}

	var clients []*Client
	for _, c := range s.state.clients {
		clients = append(clients, c)
	}
	for _, c := range clients {
		s.destroyClient(c)
	}
	var sessions []*Session
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		sessions = append(sessions, pair.Value)
	}
	for _, sess := range sessions {
		s.destroySession(sess)
	}

	unix.Close(s.listenFD)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	os.Remove(s.socketPath)
}

// statisticsText renders the human-readable statistics response.
func (s *Server) statisticsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "clients: %d (accepted %d)\n", len(s.state.clients), s.clientsAccepted)
	fmt.Fprintf(&b, "frames handled: %d\n", s.framesHandled)
	fmt.Fprintf(&b, "sessions: %d\n", s.state.sessions.Len())
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		sess := pair.Value
		st := sess.master.Stats()
		fmt.Fprintf(&b, "  %s: pid %d, attached %d, in %d B, out %d B\n",
			sess.name, sess.proc.PID(), len(sess.attached), st.BytesRead, st.BytesWritten)
		for _, peak := range sess.master.PeakSamples() {
			fmt.Fprintf(&b, "    peak %s: read %d B, write %d B\n",
				peak.At.Format(time.TimeOnly), peak.ReadPeak, peak.WritePeak)
		}
	}
	return b.String()
}
