// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ws carries the websocket surfaces: the supervisor's per-session
// stream endpoint and the shared upgrader with origin validation.
package ws

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader builds an Upgrader that validates the Origin header against a
// comma-separated allowlist. Supports "*" (all origins, dev only) and
// wildcard port matching ("http://localhost:*"). An empty allowlist rejects
// everything (fail secure); non-browser clients that send no Origin header
// are accepted.
func NewUpgrader(allowedOrigins string) websocket.Upgrader {
	allowed := splitOrigins(allowedOrigins)
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No Origin header: not a cross-origin browser request.
				// Worker links and the admin bridge dial without one.
				return true
			}
			return originAllowed(origin, allowed)
		},
	}
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
		// Wildcard port matching (e.g., "http://localhost:*").
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if strings.HasPrefix(origin, prefix) && isNumeric(strings.TrimPrefix(origin, prefix)) {
				return true
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
