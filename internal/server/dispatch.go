package server

import (
	"errors"
	"fmt"

	"github.com/srg/monomux/internal/protocol"
	"github.com/srg/monomux/internal/ptyhost"
)

// Handler processes one decoded control frame from a client. Returning an
// error terminates the client with a Reject carrying the error text.
type Handler func(s *Server, c *Client, msg protocol.Message) error

// SetHandler replaces the handler for a message kind. Kinds without a
// handler draw a Reject. Only meaningful before Loop starts; the table is
// loop-thread state afterwards.
func (s *Server) SetHandler(kind protocol.Kind, h Handler) {
	s.handlers[kind] = h
}

func defaultHandlers() map[protocol.Kind]Handler {
	return map[protocol.Kind]Handler{
		protocol.KindDataHandshake:  handleDataHandshake,
		protocol.KindSessionListReq: handleSessionList,
		protocol.KindMakeSessionReq: handleMakeSession,
		protocol.KindAttachReq:      handleAttach,
		protocol.KindDetach:         handleDetach,
		protocol.KindSignal:         handleSignal,
		protocol.KindWindowSize:     handleWindowSize,
		protocol.KindStatisticsReq:  handleStatistics,
	}
}

// dispatch routes a control frame. Before the data handshake only
// informational requests are answered; everything else is a protocol
// violation.
func (s *Server) dispatch(c *Client, msg protocol.Message) error {
	h, ok := s.handlers[msg.Kind()]
	if !ok {
		return fmt.Errorf("unsupported request %s", msg.Kind())
	}
	if !c.Established() {
		switch msg.Kind() {
		case protocol.KindDataHandshake, protocol.KindSessionListReq, protocol.KindStatisticsReq:
		default:
			return fmt.Errorf("%s requires a completed handshake", msg.Kind())
		}
	}
	return h(s, c, msg)
}

// handleDataHandshake promotes the connection carrying it into the data
// channel of the client it names. The carrying connection was accepted as
// its own provisional client; on success that identity dissolves into the
// main client.
func handleDataHandshake(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.DataHandshake)

	main, ok := s.state.getClient(ClientID(req.ID))
	if !ok || main == c {
		return fmt.Errorf("unknown client id %d", req.ID)
	}
	if main.Established() {
		return fmt.Errorf("client %d already has a data channel", req.ID)
	}
	if !consumeNonce(main, req.Nonce) {
		return fmt.Errorf("bad nonce")
	}

	s.registry.remove(c.control.FD())
	if err := s.registry.insert(c.control.FD(), dataEntry(main.id)); err != nil {
		return err
	}
	s.state.turnClientIntoDataOf(main, c)
	s.logger.WithField("client", main.id).Debug("data channel established")
	return s.send(main, protocol.DataHandshakeAck{})
}

func handleSessionList(s *Server, c *Client, _ protocol.Message) error {
	entries := make([]protocol.SessionEntry, 0, s.state.sessions.Len())
	for pair := s.state.sessions.Oldest(); pair != nil; pair = pair.Next() {
		sess := pair.Value
		entries = append(entries, protocol.SessionEntry{
			Name:      sess.name,
			CreatedAt: sess.createdAt.Unix(),
			Dead:      sess.Dead(),
		})
	}
	return s.send(c, protocol.SessionListResp{Sessions: entries})
}

func handleMakeSession(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.MakeSessionReq)

	name := req.Name
	if name == "" {
		name = s.state.autoSessionName(req.Program)
	}
	if _, taken := s.state.getSession(name); taken {
		return s.send(c, protocol.MakeSessionResp{Err: fmt.Sprintf("session name %q taken", name)})
	}

	sess, err := s.spawnSession(name, SpawnDescriptor{
		Program:  req.Program,
		Argv:     req.Argv,
		SetEnv:   req.SetEnv,
		UnsetEnv: req.UnsetEnv,
	})
	if err != nil {
		s.logger.WithError(err).WithField("session", name).Warn("spawn failed")
		return s.send(c, protocol.MakeSessionResp{Err: err.Error()})
	}
	return s.send(c, protocol.MakeSessionResp{Name: sess.name})
}

func handleAttach(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.AttachReq)

	sess, ok := s.state.getSession(req.Name)
	if !ok {
		return s.send(c, protocol.AttachResp{Reason: fmt.Sprintf("no session %q", req.Name)})
	}
	if sess.Dead() {
		return s.send(c, protocol.AttachResp{Reason: fmt.Sprintf("session %q is dead", req.Name)})
	}
	s.state.attach(c, sess)
	return s.send(c, protocol.AttachResp{OK: true})
}

func handleDetach(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.Detach)

	if !req.All {
		s.state.detach(c)
		return nil
	}

	name := req.Session
	if name == "" {
		name = c.attached
	}
	if name == "" {
		return nil
	}
	sess, ok := s.state.getSession(name)
	if !ok {
		return nil
	}
	for _, attached := range s.state.attachedClients(sess) {
		s.state.detach(attached)
	}
	return nil
}

func handleSignal(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.Signal)

	sess, ok := s.state.getSession(c.attached)
	if !ok {
		return nil
	}
	if err := sess.proc.Signal(req.Signo); err != nil && !errors.Is(err, ptyhost.ErrExited) {
		s.logger.WithError(err).WithField("session", sess.name).Warn("signal delivery failed")
	}
	return nil
}

func handleWindowSize(s *Server, c *Client, msg protocol.Message) error {
	req := msg.(protocol.WindowSize)
	if req.Rows == 0 || req.Cols == 0 {
		return nil
	}
	sess, ok := s.state.getSession(c.attached)
	if !ok {
		return nil
	}
	if err := sess.proc.Resize(req.Rows, req.Cols); err != nil && !errors.Is(err, ptyhost.ErrExited) {
		s.logger.WithError(err).WithField("session", sess.name).Warn("window resize failed")
	}
	return nil
}

func handleStatistics(s *Server, c *Client, _ protocol.Message) error {
	return s.send(c, protocol.StatisticsResp{Text: s.statisticsText()})
}
