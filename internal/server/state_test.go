package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() *serverState { return newServerState() }

func addClient(st *serverState) *Client {
	return st.makeClient(nil, 42, time.Now().Add(time.Minute))
}

func addSession(st *serverState, name string) *Session {
	return st.makeSession(name, SpawnDescriptor{Program: "/bin/sh"}, nil, nil)
}

func TestClientIDsAreDenseAndUnique(t *testing.T) {
	st := newTestState()

	c1 := addClient(st)
	c2 := addClient(st)
	assert.Equal(t, ClientID(1), c1.ID())
	assert.Equal(t, ClientID(2), c2.ID())

	got, ok := st.getClient(c1.ID())
	require.True(t, ok)
	assert.Same(t, c1, got)
}

func TestAttachDetachKeepsPointersMutual(t *testing.T) {
	st := newTestState()
	c := addClient(st)
	s := addSession(st, "s1")

	st.attach(c, s)
	assert.Equal(t, "s1", c.Attached())
	assert.Contains(t, s.attached, c.ID())

	st.detach(c)
	assert.Empty(t, c.Attached())
	assert.NotContains(t, s.attached, c.ID())
}

func TestAttachMovesBetweenSessions(t *testing.T) {
	st := newTestState()
	c := addClient(st)
	s1 := addSession(st, "s1")
	s2 := addSession(st, "s2")

	st.attach(c, s1)
	st.attach(c, s2)

	assert.Equal(t, "s2", c.Attached())
	assert.NotContains(t, s1.attached, c.ID())
	assert.Contains(t, s2.attached, c.ID())
}

func TestRemoveClientDetachesButKeepsSession(t *testing.T) {
	st := newTestState()
	c := addClient(st)
	s := addSession(st, "s1")
	st.attach(c, s)

	st.removeClient(c.ID())

	_, ok := st.getClient(c.ID())
	assert.False(t, ok)
	assert.NotContains(t, s.attached, c.ID())
	_, ok = st.getSession("s1")
	assert.True(t, ok)
}

func TestRemoveSessionDetachesAllClients(t *testing.T) {
	st := newTestState()
	c1 := addClient(st)
	c2 := addClient(st)
	s := addSession(st, "s1")
	st.attach(c1, s)
	st.attach(c2, s)

	st.removeSession("s1")

	assert.Empty(t, c1.Attached())
	assert.Empty(t, c2.Attached())
	_, ok := st.getSession("s1")
	assert.False(t, ok)
}

func TestRemoveUnknownEntitiesIsNil(t *testing.T) {
	st := newTestState()
	assert.Nil(t, st.removeClient(99))
	assert.Nil(t, st.removeSession("ghost"))
}

func TestSessionListingKeepsCreationOrder(t *testing.T) {
	st := newTestState()
	addSession(st, "zeta")
	addSession(st, "alpha")
	addSession(st, "mid")

	var names []string
	for pair := st.sessions.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestTurnClientIntoDataOf(t *testing.T) {
	st := newTestState()
	main := addClient(st)
	temp := addClient(st)
	tempStream := temp.control

	st.turnClientIntoDataOf(main, temp)

	assert.True(t, main.Established())
	assert.Equal(t, tempStream, main.data)
	assert.Nil(t, temp.control)
	assert.True(t, main.handshakeDeadline.IsZero())

	_, ok := st.getClient(temp.ID())
	assert.False(t, ok)
}

func TestAutoSessionNameSkipsTaken(t *testing.T) {
	st := newTestState()
	assert.Equal(t, "cat-0", st.autoSessionName("/bin/cat"))

	addSession(st, "cat-0")
	addSession(st, "cat-1")
	assert.Equal(t, "cat-2", st.autoSessionName("/bin/cat"))

	assert.Equal(t, "bash-0", st.autoSessionName("/usr/bin/bash"))
}
