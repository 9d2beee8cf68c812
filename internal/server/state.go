package server

import (
	"fmt"
	"path/filepath"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/monomux/internal/channel"
	"github.com/srg/monomux/internal/protocol"
	"github.com/srg/monomux/internal/ptyhost"
)

// ClientID densely identifies a connected client for the lifetime of the
// server process.
type ClientID uint32

// clientState tracks the handshake progression of one client. Informational
// requests are answered from stateIdentified on; everything else waits for
// stateEstablished.
type clientState uint8

const (
	// stateIdentified: the control stream is up and the ClientID frame with
	// the pending nonce went out.
	stateIdentified clientState = iota
	// stateEstablished: the data stream presented the nonce and was
	// promoted; the client is fully operational.
	stateEstablished
	// stateTerminating: a stream failed or the client misbehaved; the loop
	// removes it on the next prune.
	stateTerminating
)

// Client is the per-connection record. It owns its control stream and,
// after the handshake, its data stream.
type Client struct {
	id        ClientID
	createdAt time.Time

	control *channel.BufferedChannel
	data    *channel.BufferedChannel
	frames  protocol.FrameReader

	nonce    uint64
	hasNonce bool

	state             clientState
	handshakeDeadline time.Time

	// attached names the session this client forwards to, or "".
	attached string

	exitReason string
}

// ID returns the client's dense identifier.
func (c *Client) ID() ClientID { return c.id }

// Established reports whether the data handshake completed.
func (c *Client) Established() bool { return c.state == stateEstablished }

// Attached returns the attached session name, or "".
func (c *Client) Attached() string { return c.attached }

func (c *Client) failed() bool {
	if c.control != nil && c.control.Failed() {
		return true
	}
	return c.data != nil && c.data.Failed()
}

// sessionState is the lifecycle of a session. The zero value is running:
// sessions only exist once their child spawned.
type sessionState uint8

const (
	stateRunning sessionState = iota
	// stateChildExited: the reaper saw the child die; the master still may
	// hold undelivered output.
	stateChildExited
	// stateDraining: master drained or failed; exit notifications pending.
	stateDraining
)

// SpawnDescriptor records what a session was started with.
type SpawnDescriptor struct {
	Program  string
	Argv     []string
	SetEnv   map[string]string
	UnsetEnv []string
}

// Session is the per-child record. It owns the child process handle and
// the buffered channel over the PTY master.
type Session struct {
	name      string
	createdAt time.Time
	spawn     SpawnDescriptor

	proc   *ptyhost.Process
	master *channel.BufferedChannel

	state    sessionState
	attached map[ClientID]struct{}
}

// Name returns the unique session name.
func (s *Session) Name() string { return s.name }

// Dead reports whether the child has exited.
func (s *Session) Dead() bool { return s.state != stateRunning }

// serverState holds the entity maps. Mutated only by the loop thread; the
// ordered sessions map keeps listings in creation order.
type serverState struct {
	clients        map[ClientID]*Client
	sessions       *orderedmap.OrderedMap[string, *Session]
	nextClientID   ClientID
	everHadSession bool
}

func newServerState() *serverState {
	return &serverState{
		clients:  make(map[ClientID]*Client),
		sessions: orderedmap.New[string, *Session](),
	}
}

// makeClient allocates the record for a freshly accepted control stream.
func (st *serverState) makeClient(control *channel.BufferedChannel, nonce uint64, deadline time.Time) *Client {
	st.nextClientID++
	c := &Client{
		id:                st.nextClientID,
		createdAt:         time.Now(),
		control:           control,
		nonce:             nonce,
		hasNonce:          true,
		state:             stateIdentified,
		handshakeDeadline: deadline,
	}
	st.clients[c.id] = c
	return c
}

// removeClient unlinks the record. Cross-references are detached; streams
// are left open for the caller to close.
func (st *serverState) removeClient(id ClientID) *Client {
	c, ok := st.clients[id]
	if !ok {
		return nil
	}
	if c.attached != "" {
		if s, ok := st.sessions.Get(c.attached); ok {
			delete(s.attached, id)
		}
		c.attached = ""
	}
	delete(st.clients, id)
	return c
}

// makeSession registers a spawned session under its unique name.
func (st *serverState) makeSession(name string, spawn SpawnDescriptor, proc *ptyhost.Process, master *channel.BufferedChannel) *Session {
	s := &Session{
		name:      name,
		createdAt: time.Now(),
		spawn:     spawn,
		proc:      proc,
		master:    master,
		attached:  make(map[ClientID]struct{}),
	}
	st.sessions.Set(name, s)
	st.everHadSession = true
	return s
}

// removeSession unlinks the record and detaches every attached client.
// Handles stay open for the caller.
func (st *serverState) removeSession(name string) *Session {
	s, ok := st.sessions.Get(name)
	if !ok {
		return nil
	}
	for id := range s.attached {
		if c, ok := st.clients[id]; ok && c.attached == name {
			c.attached = ""
		}
	}
	s.attached = make(map[ClientID]struct{})
	st.sessions.Delete(name)
	return s
}

func (st *serverState) getClient(id ClientID) (*Client, bool) {
	c, ok := st.clients[id]
	return c, ok
}

func (st *serverState) getSession(name string) (*Session, bool) {
	return st.sessions.Get(name)
}

// attach links client and session both ways.
func (st *serverState) attach(c *Client, s *Session) {
	if c.attached == s.name {
		return
	}
	st.detach(c)
	c.attached = s.name
	s.attached[c.id] = struct{}{}
}

// detach unlinks the client from whatever session it forwards to.
func (st *serverState) detach(c *Client) {
	if c.attached == "" {
		return
	}
	if s, ok := st.sessions.Get(c.attached); ok {
		delete(s.attached, c.id)
	}
	c.attached = ""
}

// turnClientIntoDataOf promotes the temporary client holding the second
// connection into the data channel of main. The temporary record is
// unlinked and its leftover identity discarded; the stream changes owner
// instead of closing.
func (st *serverState) turnClientIntoDataOf(main, data *Client) {
	main.data = data.control
	data.control = nil
	data.state = stateTerminating
	delete(st.clients, data.id)
	main.state = stateEstablished
	main.handshakeDeadline = time.Time{}
}

// attachedClients resolves the session's attachment set to live records.
func (st *serverState) attachedClients(s *Session) []*Client {
	out := make([]*Client, 0, len(s.attached))
	for id := range s.attached {
		if c, ok := st.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// autoSessionName yields cat-0, cat-1, ... after the program's basename,
// skipping taken names. An empty program means the user's shell.
func (st *serverState) autoSessionName(program string) string {
	if program == "" {
		program = ptyhost.DefaultShell()
	}
	base := filepath.Base(program)
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if _, taken := st.sessions.Get(name); !taken {
			return name
		}
	}
}
