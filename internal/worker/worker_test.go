// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialTestConn returns a client websocket connection to a discard server.
func dialTestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectAndAlive(t *testing.T) {
	reg := NewRegistry()
	conn := dialTestConn(t)

	w := reg.Connect("w1", conn)
	require.Equal(t, "w1", w.ID())
	require.True(t, w.Alive())

	got, ok := reg.Get("w1")
	require.True(t, ok)
	require.Same(t, w, got)

	_, ok = reg.Get("w2")
	require.False(t, ok)
}

func TestReconnectKeepsWorkerIdentity(t *testing.T) {
	reg := NewRegistry()
	first := dialTestConn(t)
	second := dialTestConn(t)

	w1 := reg.Connect("w1", first)
	w1.ReportActive([]string{"s1"})

	// Reconnect replaces the connection but keeps the worker and its
	// reported session set.
	w2 := reg.Connect("w1", second)
	require.Same(t, w1, w2)
	require.True(t, w2.Alive())
	require.True(t, w2.HasSession("s1"))
}

func TestDisconnectIsConnMatched(t *testing.T) {
	reg := NewRegistry()
	old := dialTestConn(t)
	current := dialTestConn(t)

	w := reg.Connect("w1", old)
	reg.Connect("w1", current)

	// A late disconnect from the replaced connection must not take down
	// the live one.
	reg.Disconnect("w1", old)
	require.True(t, w.Alive())

	reg.Disconnect("w1", current)
	require.False(t, w.Alive())
	require.ErrorIs(t, w.Send(Envelope{Type: "kill", SessionID: "s1"}), ErrNotConnected)
}

func TestDisconnectUnknownWorkerIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Disconnect("ghost", nil)
}

func TestReportActiveReplacesSet(t *testing.T) {
	reg := NewRegistry()
	w := reg.Connect("w1", dialTestConn(t))

	w.ReportActive([]string{"a", "b"})
	require.True(t, w.HasSession("a"))
	require.True(t, w.HasSession("b"))
	require.ElementsMatch(t, []string{"a", "b"}, w.ActiveSessions())

	w.ReportActive([]string{"b"})
	require.False(t, w.HasSession("a"))
	require.True(t, w.HasSession("b"))

	w.ReportActive(nil)
	require.Empty(t, w.ActiveSessions())
}

func TestSendDeliversEnvelope(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	reg := NewRegistry()
	w := reg.Connect("w1", conn)
	require.NoError(t, w.Send(Envelope{Type: "kill", SessionID: "s1"}))

	env := <-received
	require.Equal(t, "kill", env.Type)
	require.Equal(t, "s1", env.SessionID)
}
