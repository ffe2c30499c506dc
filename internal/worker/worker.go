// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package worker tracks remote worker hosts. Each worker is reachable only
// through one shared websocket connection and self-reports the set of
// session ids it currently has active.
package worker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("worker not connected")

// Envelope is a worker-directed message naming the target session.
type Envelope struct {
	Type      string          `json:"type"` // "session_input" | "kill"
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusReport is what a worker periodically sends over its connection.
type StatusReport struct {
	Type           string   `json:"type"` // "status"
	ActiveSessions []string `json:"active_sessions"`
}

// Worker is one remote host. The connection is shared by all sessions
// routed to the worker, so sends are serialized with a write mutex.
type Worker struct {
	id string

	mu       sync.Mutex
	conn     *websocket.Conn
	active   map[string]struct{}
	lastSeen time.Time
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Alive reports whether the worker's shared connection is currently live.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Send writes an envelope over the worker's shared connection.
func (w *Worker) Send(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(env)
}

// ReportActive replaces the worker's self-reported active session set.
func (w *Worker) ReportActive(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		w.active[id] = struct{}{}
	}
	w.lastSeen = time.Now()
}

// HasSession reports whether the worker claims the session active.
func (w *Worker) HasSession(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[sessionID]
	return ok
}

// ActiveSessions returns a copy of the self-reported active set.
func (w *Worker) ActiveSessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for id := range w.active {
		out = append(out, id)
	}
	return out
}

// Registry is the concurrency-safe worker table.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Connect registers (or reconnects) a worker with its shared connection.
func (r *Registry) Connect(id string, conn *websocket.Conn) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		w = &Worker{id: id, active: make(map[string]struct{})}
		r.workers[id] = w
	}
	w.mu.Lock()
	if w.conn != nil && w.conn != conn {
		w.conn.Close()
	}
	w.conn = conn
	w.lastSeen = time.Now()
	w.mu.Unlock()
	return w
}

// Disconnect clears the worker's connection if it still matches conn.
func (r *Registry) Disconnect(id string, conn *websocket.Conn) {
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
}

// Get returns the worker for id, if registered.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// List returns all registered workers.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}
