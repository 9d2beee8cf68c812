// Package protocol implements the monomux wire protocol: length-prefixed
// frames carrying a kind tag, a version byte, and a self-describing
// key/value payload. The codec is symmetric; the same encode/decode pairs
// are used by the server and the client.
package protocol

import "fmt"

// Kind tags a frame with the message type it carries.
type Kind uint16

// Version is the protocol version carried in every frame header.
// A peer announcing a different version is rejected immediately.
const Version byte = 1

const (
	KindInvalid Kind = 0x0000

	// Handshake.
	KindClientID         Kind = 0x0001 // server -> client
	KindDataHandshake    Kind = 0x0002 // client -> server
	KindDataHandshakeAck Kind = 0x0003 // server -> client

	// Session management requests/responses.
	KindSessionListReq  Kind = 0x0010
	KindSessionListResp Kind = 0x0011
	KindMakeSessionReq  Kind = 0x0012
	KindMakeSessionResp Kind = 0x0013
	KindAttachReq       Kind = 0x0014
	KindAttachResp      Kind = 0x0015
	KindDetach          Kind = 0x0016

	// Server-originated notifications.
	KindSessionExit Kind = 0x0020
	KindServerExit  Kind = 0x0021

	// Terminal control.
	KindSignal     Kind = 0x0030
	KindWindowSize Kind = 0x0031

	// Diagnostics.
	KindStatisticsReq  Kind = 0x0040
	KindStatisticsResp Kind = 0x0041

	KindReject Kind = 0x00FF
)

func (k Kind) String() string {
	switch k {
	case KindClientID:
		return "ClientID"
	case KindDataHandshake:
		return "DataHandshake"
	case KindDataHandshakeAck:
		return "DataHandshakeAck"
	case KindSessionListReq:
		return "SessionListReq"
	case KindSessionListResp:
		return "SessionListResp"
	case KindMakeSessionReq:
		return "MakeSessionReq"
	case KindMakeSessionResp:
		return "MakeSessionResp"
	case KindAttachReq:
		return "AttachReq"
	case KindAttachResp:
		return "AttachResp"
	case KindDetach:
		return "Detach"
	case KindSessionExit:
		return "SessionExit"
	case KindServerExit:
		return "ServerExit"
	case KindSignal:
		return "Signal"
	case KindWindowSize:
		return "WindowSize"
	case KindStatisticsReq:
		return "StatisticsReq"
	case KindStatisticsResp:
		return "StatisticsResp"
	case KindReject:
		return "Reject"
	default:
		return fmt.Sprintf("Kind(0x%04X)", uint16(k))
	}
}

// Message is implemented by every protocol message. Encoding produces the
// payload field map; the frame header is added by EncodeFrame.
type Message interface {
	Kind() Kind
	fields() fields
}

// ClientID is sent by the server on every fresh control connection. It
// announces the identity the connection was assigned and the single-use
// nonce the client must present on its data connection.
type ClientID struct {
	ID    uint32
	Nonce uint64
}

func (ClientID) Kind() Kind { return KindClientID }

func (m ClientID) fields() fields {
	return fields{"client_id": uintValue(uint64(m.ID)), "nonce": uintValue(m.Nonce)}
}

// DataHandshake is the first frame on a would-be data connection. It names
// the control connection the stream belongs to and proves it with the nonce.
type DataHandshake struct {
	ID    uint32
	Nonce uint64
}

func (DataHandshake) Kind() Kind { return KindDataHandshake }

func (m DataHandshake) fields() fields {
	return fields{"client_id": uintValue(uint64(m.ID)), "nonce": uintValue(m.Nonce)}
}

// DataHandshakeAck confirms the promotion of a connection into a client's
// data channel.
type DataHandshakeAck struct{}

func (DataHandshakeAck) Kind() Kind     { return KindDataHandshakeAck }
func (DataHandshakeAck) fields() fields { return fields{} }

// SessionListReq asks for all sessions known to the server.
type SessionListReq struct{}

func (SessionListReq) Kind() Kind     { return KindSessionListReq }
func (SessionListReq) fields() fields { return fields{} }

// SessionEntry describes one session in a SessionListResp.
type SessionEntry struct {
	Name      string
	CreatedAt int64 // unix seconds
	Dead      bool
}

func (e SessionEntry) fields() fields {
	return fields{
		"name":       stringValue(e.Name),
		"created_at": uintValue(uint64(e.CreatedAt)),
		"dead":       boolValue(e.Dead),
	}
}

// SessionListResp carries the server's session table.
type SessionListResp struct {
	Sessions []SessionEntry
}

func (SessionListResp) Kind() Kind { return KindSessionListResp }

func (m SessionListResp) fields() fields {
	list := make([]value, 0, len(m.Sessions))
	for _, e := range m.Sessions {
		list = append(list, mapValue(e.fields()))
	}
	return fields{"sessions": listValue(list)}
}

// MakeSessionReq asks the server to spawn a new session. An empty Name asks
// the server to generate one; the final name comes back in the response.
type MakeSessionReq struct {
	Name     string
	Program  string
	Argv     []string
	SetEnv   map[string]string
	UnsetEnv []string
}

func (MakeSessionReq) Kind() Kind { return KindMakeSessionReq }

func (m MakeSessionReq) fields() fields {
	env := fields{}
	for k, v := range m.SetEnv {
		env[k] = stringValue(v)
	}
	return fields{
		"name":      stringValue(m.Name),
		"program":   stringValue(m.Program),
		"argv":      stringListValue(m.Argv),
		"set_env":   mapValue(env),
		"unset_env": stringListValue(m.UnsetEnv),
	}
}

// MakeSessionResp reports the final session name, or a failure reason.
type MakeSessionResp struct {
	Name string
	Err  string // empty on success
}

func (MakeSessionResp) Kind() Kind { return KindMakeSessionResp }

func (m MakeSessionResp) fields() fields {
	return fields{"name": stringValue(m.Name), "error": stringValue(m.Err)}
}

// AttachReq subscribes the requesting client to a session's byte stream.
type AttachReq struct {
	Name string
}

func (AttachReq) Kind() Kind { return KindAttachReq }

func (m AttachReq) fields() fields { return fields{"name": stringValue(m.Name)} }

// AttachResp acknowledges (or refuses) an attach.
type AttachResp struct {
	OK     bool
	Reason string
}

func (AttachResp) Kind() Kind { return KindAttachResp }

func (m AttachResp) fields() fields {
	return fields{"ok": boolValue(m.OK), "reason": stringValue(m.Reason)}
}

// Detach removes the sender from its attached session. With All set it
// instead detaches every client of the named session.
type Detach struct {
	All     bool
	Session string // only meaningful with All
}

func (Detach) Kind() Kind { return KindDetach }

func (m Detach) fields() fields {
	return fields{"all": boolValue(m.All), "session": stringValue(m.Session)}
}

// SessionExit notifies an attached client that the session's child died.
type SessionExit struct {
	Name     string
	ExitCode int32
}

func (SessionExit) Kind() Kind { return KindSessionExit }

func (m SessionExit) fields() fields {
	return fields{"name": stringValue(m.Name), "exit_code": uintValue(uint64(uint32(m.ExitCode)))}
}

// ServerExit announces that the server is going away.
type ServerExit struct {
	Reason string
}

func (ServerExit) Kind() Kind { return KindServerExit }

func (m ServerExit) fields() fields { return fields{"reason": stringValue(m.Reason)} }

// Signal forwards a signal number to the attached session's process group.
type Signal struct {
	Signo int32
}

func (Signal) Kind() Kind { return KindSignal }

func (m Signal) fields() fields { return fields{"signo": uintValue(uint64(uint32(m.Signo)))} }

// WindowSize reports the client terminal dimensions. Frames with zero rows
// or columns are ignored by the server.
type WindowSize struct {
	Rows uint16
	Cols uint16
}

func (WindowSize) Kind() Kind { return KindWindowSize }

func (m WindowSize) fields() fields {
	return fields{"rows": uintValue(uint64(m.Rows)), "cols": uintValue(uint64(m.Cols))}
}

// StatisticsReq asks for the server's diagnostic report.
type StatisticsReq struct{}

func (StatisticsReq) Kind() Kind     { return KindStatisticsReq }
func (StatisticsReq) fields() fields { return fields{} }

// StatisticsResp carries the diagnostic report as opaque text.
type StatisticsResp struct {
	Text string
}

func (StatisticsResp) Kind() Kind { return KindStatisticsResp }

func (m StatisticsResp) fields() fields { return fields{"text": stringValue(m.Text)} }

// Reject refuses a request or a connection, with a human-readable reason.
type Reject struct {
	Reason string
}

func (Reject) Kind() Kind { return KindReject }

func (m Reject) fields() fields { return fields{"reason": stringValue(m.Reason)} }

// decodeMessage builds the typed message for a known kind from its decoded
// payload fields. Unknown fields within a known kind are ignored by
// construction: only the named fields are consulted.
func decodeMessage(k Kind, f fields) (Message, error) {
	switch k {
	case KindClientID:
		return ClientID{ID: uint32(f.uintOr("client_id", 0)), Nonce: f.uintOr("nonce", 0)}, nil
	case KindDataHandshake:
		return DataHandshake{ID: uint32(f.uintOr("client_id", 0)), Nonce: f.uintOr("nonce", 0)}, nil
	case KindDataHandshakeAck:
		return DataHandshakeAck{}, nil
	case KindSessionListReq:
		return SessionListReq{}, nil
	case KindSessionListResp:
		m := SessionListResp{}
		for _, v := range f.listOr("sessions") {
			ef := v.m
			m.Sessions = append(m.Sessions, SessionEntry{
				Name:      ef.stringOr("name", ""),
				CreatedAt: int64(ef.uintOr("created_at", 0)),
				Dead:      ef.boolOr("dead", false),
			})
		}
		return m, nil
	case KindMakeSessionReq:
		m := MakeSessionReq{
			Name:     f.stringOr("name", ""),
			Program:  f.stringOr("program", ""),
			Argv:     f.stringListOr("argv"),
			UnsetEnv: f.stringListOr("unset_env"),
		}
		if env := f.mapOr("set_env"); len(env) > 0 {
			m.SetEnv = make(map[string]string, len(env))
			for k, v := range env {
				m.SetEnv[k] = v.s
			}
		}
		return m, nil
	case KindMakeSessionResp:
		return MakeSessionResp{Name: f.stringOr("name", ""), Err: f.stringOr("error", "")}, nil
	case KindAttachReq:
		return AttachReq{Name: f.stringOr("name", "")}, nil
	case KindAttachResp:
		return AttachResp{OK: f.boolOr("ok", false), Reason: f.stringOr("reason", "")}, nil
	case KindDetach:
		return Detach{All: f.boolOr("all", false), Session: f.stringOr("session", "")}, nil
	case KindSessionExit:
		return SessionExit{Name: f.stringOr("name", ""), ExitCode: int32(uint32(f.uintOr("exit_code", 0)))}, nil
	case KindServerExit:
		return ServerExit{Reason: f.stringOr("reason", "")}, nil
	case KindSignal:
		return Signal{Signo: int32(uint32(f.uintOr("signo", 0)))}, nil
	case KindWindowSize:
		return WindowSize{Rows: uint16(f.uintOr("rows", 0)), Cols: uint16(f.uintOr("cols", 0))}, nil
	case KindStatisticsReq:
		return StatisticsReq{}, nil
	case KindStatisticsResp:
		return StatisticsResp{Text: f.stringOr("text", "")}, nil
	case KindReject:
		return Reject{Reason: f.stringOr("reason", "")}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownKind, uint16(k))
	}
}
