// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/OrcaRelay/internal/bridge"
	"github.com/Hyper-Int/OrcaRelay/internal/config"
	"github.com/Hyper-Int/OrcaRelay/internal/logging"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
	"github.com/Hyper-Int/OrcaRelay/internal/supervisor"
	"github.com/Hyper-Int/OrcaRelay/internal/worker"
	"github.com/Hyper-Int/OrcaRelay/internal/ws"
)

// Server wires the HTTP surface: the dispatch REST endpoints, the
// supervisor's per-session stream endpoint, the admin attach endpoint, and
// the worker link.
type Server struct {
	cfg      config.Config
	sup      *supervisor.Supervisor
	bridge   *bridge.Bridge
	workers  *worker.Registry
	store    record.Store
	stream   *ws.StreamRouter
	upgrader websocket.Upgrader
}

// NewServer creates the server.
func NewServer(cfg config.Config, sup *supervisor.Supervisor, br *bridge.Bridge, workers *worker.Registry, store record.Store) *Server {
	return &Server{
		cfg:      cfg,
		sup:      sup,
		bridge:   br,
		workers:  workers,
		store:    store,
		stream:   ws.NewStreamRouter(sup, cfg.AllowedOrigins, logging.WithComponent("stream")),
		upgrader: ws.NewUpgrader(cfg.AllowedOrigins),
	}
}

// Handler returns the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleSpawn)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionId}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{sessionId}/kill", s.handleKill)
	mux.HandleFunc("GET /internal/active", s.handleActive)
	mux.HandleFunc("GET /sessions/{sessionId}/stream", s.stream.HandleStream)
	mux.HandleFunc("GET /sessions/{sessionId}/attach", s.handleAttach)
	mux.HandleFunc("GET /workers/connect", s.handleWorkerConnect)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type spawnBody struct {
	SessionID       string `json:"session_id,omitempty"`
	Profile         string `json:"profile"`
	Prompt          string `json:"prompt,omitempty"`
	Dir             string `json:"dir,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Cols            uint16 `json:"cols,omitempty"`
	Rows            uint16 `json:"rows,omitempty"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "E80401: invalid spawn request", http.StatusBadRequest)
		return
	}

	dir := body.Dir
	if dir == "" && body.SessionID != "" {
		dir = filepath.Join(s.cfg.WorkspaceBase, body.SessionID)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			http.Error(w, "E80402: workspace create failed", http.StatusInternalServerError)
			return
		}
	}

	rec, err := s.sup.Spawn(supervisor.SpawnRequest{
		SessionID:       body.SessionID,
		Profile:         record.Profile(body.Profile),
		Prompt:          body.Prompt,
		Dir:             dir,
		Cols:            body.Cols,
		Rows:            body.Rows,
		ParentSessionID: body.ParentSessionID,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrSpawnConflict) {
			http.Error(w, "E80403: session already active", http.StatusConflict)
			return
		}
		http.Error(w, "E80404: spawn failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	statuses := []record.Status{
		record.StatusPending, record.StatusRunning,
		record.StatusCompleted, record.StatusFailed, record.StatusKilled,
	}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = []record.Status{record.Status(q)}
	}

	sessions := make([]*record.Session, 0)
	for _, st := range statuses {
		recs, err := s.store.ListByStatus(st)
		if err != nil {
			http.Error(w, "E80408: list failed", http.StatusInternalServerError)
			return
		}
		sessions = append(sessions, recs...)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]*record.Session{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, "E80405: session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if err := s.bridge.Kill(sessionID); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			http.Error(w, "E80405: session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "E80406: kill failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"sessions": s.sup.ActiveIDs()})
}

// handleAttach is the admin-side viewer endpoint: the bridge decides
// whether this session is local or worker-routed.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v := bridge.NewViewer(conn)
	if err := s.bridge.Attach(sessionID, v); err != nil {
		// Attach already closed the viewer with a distinguishing code.
		return
	}
	defer s.bridge.Detach(v)

	for {
		data, err := v.ReadMessage()
		if err != nil {
			return
		}
		s.bridge.Forward(v, data)
	}
}

// handleWorkerConnect is the single shared link a remote worker holds.
// Inbound frames are the worker's status reports (its self-reported active
// session set); everything session-bound travels the other way.
func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "E80407: missing worker_id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wk := s.workers.Connect(workerID, conn)
	log := logging.WithComponent("worker")
	log.Info("worker connected", "worker", workerID)
	defer func() {
		s.workers.Disconnect(workerID, conn)
		conn.Close()
		log.Info("worker disconnected", "worker", workerID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var report worker.StatusReport
		if err := json.Unmarshal(data, &report); err != nil || report.Type != "status" {
			continue
		}
		wk.ReportActive(report.ActiveSessions)
	}
}
