// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package bridge is the admin-side router. It maps each viewer connection
// to either a fresh connection into the local supervisor's per-session
// stream endpoint, or a routed path over an already-registered remote
// worker's shared connection, and handles disconnection and fallback so a
// viewer always gets the best available view of a session.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/OrcaRelay/internal/protocol"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
	"github.com/Hyper-Int/OrcaRelay/internal/tmux"
	"github.com/Hyper-Int/OrcaRelay/internal/worker"
	"github.com/Hyper-Int/OrcaRelay/internal/ws"
)

// Close codes sent to viewers so their reconnect logic can distinguish
// outcomes.
const (
	// CloseUpstreamLost: the supervisor-side connection ended after having
	// connected. Reconnecting re-attaches (picking up a possibly-recovered
	// session).
	CloseUpstreamLost = 4901
	// CloseRetryLater: the session looks live in the store but the
	// supervisor is unreachable; the viewer should retry rather than be
	// shown stale state as if it were current.
	CloseRetryLater = 4902
	// CloseNotFound: no record exists for the session.
	CloseNotFound = 4404
)

// Local is the bridge's view of the local supervisor: an authoritative
// active-id set (an error means "unknown", never "dead"), a dialable
// per-session stream endpoint, and a kill entry point.
type Local interface {
	ActiveIDs() ([]string, error)
	StreamURL(sessionID string) string
	Kill(sessionID string) (bool, error)
}

// Viewer is one admin-side viewer connection with serialized writes.
type Viewer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewViewer wraps an upgraded viewer connection.
func NewViewer(conn *websocket.Conn) *Viewer {
	return &Viewer{conn: conn}
}

// Send writes one text frame, serialized against concurrent senders.
func (v *Viewer) Send(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return v.conn.WriteMessage(websocket.TextMessage, data)
}

// CloseWith sends a close frame with the given code, then closes.
func (v *Viewer) CloseWith(code int, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	v.conn.Close()
}

// ReadMessage proxies reads for the pump loop.
func (v *Viewer) ReadMessage() ([]byte, error) {
	_, data, err := v.conn.ReadMessage()
	return data, err
}

type localRoute struct {
	sessionID string
	upstream  *websocket.Conn
	writeMu   sync.Mutex
}

// Bridge routes viewer connections.
type Bridge struct {
	store   record.Store
	workers *worker.Registry
	local   Local
	tmux    *tmux.Client // last-resort liveness signal, may be nil
	dialer  *websocket.Dialer
	log     *slog.Logger

	mu     sync.Mutex
	locals map[*Viewer]*localRoute
	remote map[string]map[*Viewer]struct{} // sessionID -> worker-routed viewers
	routes map[*Viewer]string              // remote viewer -> sessionID
}

// New creates a Bridge.
func New(store record.Store, workers *worker.Registry, local Local, tm *tmux.Client, log *slog.Logger) *Bridge {
	return &Bridge{
		store:   store,
		workers: workers,
		local:   local,
		tmux:    tm,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,
		locals:  make(map[*Viewer]*localRoute),
		remote:  make(map[string]map[*Viewer]struct{}),
		routes:  make(map[*Viewer]string),
	}
}

// Attach routes a viewer to a session. Worker-routed sessions get the
// stored output as history immediately (plus a terminal notice if the
// record is already terminal); local sessions get a live connection into
// the supervisor, with a store-backed history fallback when the supervisor
// cannot be reached at all or refuses the session as not found/not active.
func (b *Bridge) Attach(sessionID string, v *Viewer) error {
	rec, err := b.store.Get(sessionID)
	if err != nil {
		v.CloseWith(CloseNotFound, "session not found")
		return err
	}

	if rec.WorkerID != "" {
		if w, ok := b.workers.Get(rec.WorkerID); ok && w.Alive() {
			b.mu.Lock()
			if b.remote[sessionID] == nil {
				b.remote[sessionID] = make(map[*Viewer]struct{})
			}
			b.remote[sessionID][v] = struct{}{}
			b.routes[v] = sessionID
			b.mu.Unlock()
			b.sendStoredHistory(rec, v)
			return nil
		}
		// Worker link down: fall through to the store-backed path below
		// via a failed local dial (the supervisor does not know this
		// session either).
	}

	upstream, _, err := b.dialer.Dial(b.local.StreamURL(sessionID), nil)
	if err != nil {
		return b.attachFallback(rec, v)
	}

	route := &localRoute{sessionID: sessionID, upstream: upstream}
	b.mu.Lock()
	b.locals[v] = route
	b.mu.Unlock()

	go b.relayUpstream(route, v)
	return nil
}

// attachFallback serves the stored record when the supervisor was never
// reached: history always, a terminal notice for terminal records, and a
// forced retry for sessions that claim to be live somewhere we cannot see.
func (b *Bridge) attachFallback(rec *record.Session, v *Viewer) error {
	if rec.Status.Terminal() {
		b.sendStoredHistory(rec, v)
		return nil
	}
	// Pending or running but unreachable: claiming success with stale
	// state would strand the viewer. Make it retry.
	v.CloseWith(CloseRetryLater, "session unreachable, retry")
	return nil
}

// sendStoredHistory sends the record's output tail as a history frame and,
// for terminal records, a terminal notice after it.
func (b *Bridge) sendStoredHistory(rec *record.Session, v *Viewer) {
	history := protocol.History(rec.ID, []byte(rec.OutputLog), rec.LastOutputSeq, rec.LastInputSeq, false, string(rec.Status))
	if err := v.Send(protocol.Encode(history)); err != nil {
		return
	}
	if rec.Status.Terminal() {
		code := 0
		if rec.ExitCode != nil {
			code = *rec.ExitCode
		}
		v.Send(protocol.Encode(protocol.Exit(rec.ID, rec.LastOutputSeq, code, string(rec.Status))))
	}
}

// relayUpstream copies supervisor frames to the viewer verbatim until one
// side drops. A viewer send failure closes the upstream; an upstream close
// force-closes the viewer with CloseUpstreamLost so its reconnect logic
// re-attaches cleanly. The one exception: the stream endpoint refusing the
// attach outright (not-found or not-active, before any frame flowed) is a
// dial that never really connected, so the viewer gets the store-backed
// fallback instead of being told to reconnect to a session that will
// refuse it again.
func (b *Bridge) relayUpstream(route *localRoute, v *Viewer) {
	relayed := false
	for {
		_, data, err := route.upstream.ReadMessage()
		if err != nil {
			b.mu.Lock()
			_, stillRouted := b.locals[v]
			delete(b.locals, v)
			b.mu.Unlock()
			if !stillRouted {
				return
			}
			var closeErr *websocket.CloseError
			refused := !relayed && errors.As(err, &closeErr) &&
				(closeErr.Code == ws.CloseSessionNotFound || closeErr.Code == ws.CloseSessionNotActive)
			if refused {
				if rec, gerr := b.store.Get(route.sessionID); gerr == nil {
					b.attachFallback(rec, v)
				} else {
					v.CloseWith(CloseNotFound, "session not found")
				}
				return
			}
			v.CloseWith(CloseUpstreamLost, "supervisor stream closed")
			return
		}
		relayed = true
		if err := v.Send(data); err != nil {
			route.upstream.Close()
			b.mu.Lock()
			delete(b.locals, v)
			b.mu.Unlock()
			return
		}
	}
}

// Forward carries a viewer payload toward the session: verbatim for a
// local route, wrapped in a worker envelope for a remote one. Malformed
// remote payloads are dropped silently.
func (b *Bridge) Forward(v *Viewer, payload []byte) {
	b.mu.Lock()
	route, isLocal := b.locals[v]
	sessionID, isRemote := b.routes[v]
	b.mu.Unlock()

	if isLocal {
		route.writeMu.Lock()
		defer route.writeMu.Unlock()
		route.upstream.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := route.upstream.WriteMessage(websocket.TextMessage, payload); err != nil {
			route.upstream.Close()
		}
		return
	}

	if isRemote {
		if _, err := protocol.Decode(payload); err != nil {
			return // malformed, dropped
		}
		rec, err := b.store.Get(sessionID)
		if err != nil || rec.WorkerID == "" {
			return
		}
		w, ok := b.workers.Get(rec.WorkerID)
		if !ok {
			return
		}
		env := worker.Envelope{
			Type:      "session_input",
			SessionID: sessionID,
			Payload:   json.RawMessage(payload),
		}
		if err := w.Send(env); err != nil {
			b.log.Debug("worker forward failed", "session", sessionID, "worker", w.ID(), "error", err)
		}
	}
}

// Detach tears down whichever path the viewer was using.
func (b *Bridge) Detach(v *Viewer) {
	b.mu.Lock()
	route, isLocal := b.locals[v]
	delete(b.locals, v)
	if sessionID, ok := b.routes[v]; ok {
		delete(b.routes, v)
		if set := b.remote[sessionID]; set != nil {
			delete(set, v)
			if len(set) == 0 {
				delete(b.remote, sessionID)
			}
		}
	}
	b.mu.Unlock()

	if isLocal {
		route.upstream.Close()
	}
}

// Kill terminates a session wherever it runs. A live worker gets the kill
// directive over its shared connection and is trusted to report back; the
// local supervisor is called otherwise. Regardless of outcome, killed is
// also written straight to the record store so status is never left stale
// even when the remote or local call silently fails. Terminal records are
// left untouched (kill of a finished session is a no-op).
func (b *Bridge) Kill(sessionID string) error {
	rec, err := b.store.Get(sessionID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	routed := false
	if rec.WorkerID != "" {
		if w, ok := b.workers.Get(rec.WorkerID); ok && w.Alive() {
			if err := w.Send(worker.Envelope{Type: "kill", SessionID: sessionID}); err != nil {
				b.log.Warn("worker kill send failed", "session", sessionID, "error", err)
			}
			routed = true
		}
	}
	if !routed {
		if _, err := b.local.Kill(sessionID); err != nil {
			b.log.Warn("local kill failed", "session", sessionID, "error", err)
		}
	}

	done := time.Now().UTC()
	if _, err := b.store.Update(sessionID, func(r *record.Session) {
		if r.Status.Terminal() {
			return
		}
		r.Status = record.StatusKilled
		r.CompletedAt = &done
	}); err != nil {
		b.log.Error("kill safety-net write failed", "session", sessionID, "error", err)
	}
	return nil
}
