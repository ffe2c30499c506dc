// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/OrcaRelay/internal/supervisor"
)

// Close codes the stream endpoint uses so the admin bridge (and reconnect
// logic in viewers) can tell "session gone" apart from transport noise.
const (
	CloseSessionNotFound  = 4404
	CloseSessionNotActive = 4410
)

// StreamRouter serves the supervisor's per-session websocket endpoint.
type StreamRouter struct {
	sup      *supervisor.Supervisor
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewStreamRouter creates the router.
func NewStreamRouter(sup *supervisor.Supervisor, allowedOrigins string, log *slog.Logger) *StreamRouter {
	return &StreamRouter{
		sup:      sup,
		upgrader: NewUpgrader(allowedOrigins),
		log:      log,
	}
}

// HandleStream upgrades the request and attaches the viewer to the session.
func (r *StreamRouter) HandleStream(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionId")

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("stream upgrade failed", "session", sessionID, "error", err)
		return
	}

	client, err := NewClient(conn, r.sup, sessionID, r.log)
	if err != nil {
		code := CloseSessionNotActive
		if errors.Is(err, supervisor.ErrSessionNotFound) {
			code = CloseSessionNotFound
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()))
		conn.Close()
		return
	}

	go client.ReadPump()
	go client.WritePump()
}
