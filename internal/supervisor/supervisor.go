// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package supervisor owns one OS-level interactive process per active
// session id. Each process's raw byte stream is multiplexed through the
// output ledger and the waiting-state detector, then fanned out to every
// attached viewer. When tmux is available the process is hosted inside a
// named detachable tmux session, so killing or restarting the supervisor
// does not kill in-flight work; the recovery manager reattaches on startup.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hyper-Int/OrcaRelay/internal/id"
	"github.com/Hyper-Int/OrcaRelay/internal/ledger"
	"github.com/Hyper-Int/OrcaRelay/internal/protocol"
	"github.com/Hyper-Int/OrcaRelay/internal/pty"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
	"github.com/Hyper-Int/OrcaRelay/internal/tmux"
)

var (
	ErrSpawnConflict   = errors.New("session already has an active process")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotActive       = errors.New("session not active")
	ErrStartupHealth   = errors.New("session produced no credible startup output")
	ErrRecoveryFailed  = errors.New("multiplexed session could not be reattached")
)

// Options are the supervisor tunables. Zero values select defaults.
type Options struct {
	AgentBin          string
	MaxOutputLog      int
	PersistInterval   time.Duration
	HealthDelay       time.Duration
	HealthMinVisible  int
	WaitingClearGrace time.Duration
	WaitingClearBytes int
	RecoveryGrace     time.Duration
}

func (o *Options) fillDefaults() {
	if o.AgentBin == "" {
		o.AgentBin = "claude"
	}
	if o.MaxOutputLog <= 0 {
		o.MaxOutputLog = 500 * 1024
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 10 * time.Second
	}
	if o.HealthDelay <= 0 {
		o.HealthDelay = 15 * time.Second
	}
	if o.HealthMinVisible <= 0 {
		o.HealthMinVisible = 20
	}
	if o.RecoveryGrace <= 0 {
		o.RecoveryGrace = 5 * time.Second
	}
}

// SpawnRequest names what to run. Command selection from the profile is the
// supervisor's job; what profile and prompt to use is the dispatch layer's.
type SpawnRequest struct {
	SessionID       string
	Profile         record.Profile
	Prompt          string
	Dir             string
	Env             []string
	Cols, Rows      uint16
	ParentSessionID string
}

// Supervisor is the concurrent session process supervisor.
type Supervisor struct {
	opts  Options
	store record.Store
	tmux  *tmux.Client // nil when no multiplexer is available
	log   *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// New creates a Supervisor. tm may be nil (plain-process fallback path).
func New(opts Options, store record.Store, tm *tmux.Client, log *slog.Logger) *Supervisor {
	opts.fillDefaults()
	return &Supervisor{
		opts:    opts,
		store:   store,
		tmux:    tm,
		log:     log,
		handles: make(map[string]*Handle),
	}
}

// Spawn launches the process for a session. Fails with ErrSpawnConflict if
// a handle already exists for the id.
func (s *Supervisor) Spawn(req SpawnRequest) (*record.Session, error) {
	if req.SessionID == "" {
		sid, err := id.New()
		if err != nil {
			return nil, err
		}
		req.SessionID = sid
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}

	argv := commandFor(req.Profile, s.opts.AgentBin, req.Prompt)

	// Reserve the id before the (blocking) OS spawn so two concurrent
	// spawns for the same session cannot both win.
	h := s.newHandle(req.SessionID, req.Profile)
	s.mu.Lock()
	if _, exists := s.handles[req.SessionID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSpawnConflict, req.SessionID)
	}
	s.handles[req.SessionID] = h
	s.mu.Unlock()

	p, muxName, err := s.startProcess(req.SessionID, argv, req.Dir, req.Env, req.Cols, req.Rows)
	if err != nil {
		s.removeHandle(req.SessionID)
		return nil, err
	}

	h.mu.Lock()
	if h.status.Terminal() {
		// A kill landed while the spawn was blocking. The kill already
		// persisted the terminal record and removed the handle, so the
		// freshly started process must die, not resurrect the session.
		h.mu.Unlock()
		p.Close()
		if muxName != "" && s.tmux != nil {
			if err := s.tmux.KillSession(muxName); err != nil {
				s.log.Warn("tmux kill failed", "session", req.SessionID, "error", err)
			}
		}
		return nil, fmt.Errorf("%w: %s killed during spawn", ErrNotActive, req.SessionID)
	}
	h.pty = p
	h.multiplexName = muxName
	h.status = record.StatusRunning
	h.mu.Unlock()

	rec := s.persistSpawn(h, req, p.Pid())

	s.startLoops(h)
	if req.Profile != record.ProfileShell {
		s.scheduleHealthCheck(h)
	}

	s.log.Info("session spawned",
		"session", req.SessionID, "profile", req.Profile,
		"pid", p.Pid(), "multiplex", muxName)
	return rec, nil
}

// startProcess creates the session process: inside a detached tmux session
// (with the supervisor PTY attached to it) when a multiplexer is available,
// or as a raw interactive PTY process otherwise.
func (s *Supervisor) startProcess(sessionID string, argv []string, dir string, env []string, cols, rows uint16) (*pty.PTY, string, error) {
	if s.tmux != nil {
		// tmux targets treat "." and ":" specially, so the tmux name is a
		// fresh short id rather than the (externally chosen) session id.
		// The record's multiplexName field keeps the mapping.
		suffix, err := id.Short()
		if err != nil {
			return nil, "", err
		}
		name := tmux.SessionName(suffix)
		if err := s.tmux.NewSession(name, dir, argv); err != nil {
			s.log.Warn("tmux session create failed, spawning raw process",
				"session", sessionID, "error", err)
		} else {
			p, err := pty.Start(s.tmux.AttachArgv(name), dir, env, cols, rows)
			if err != nil {
				s.tmux.KillSession(name)
				return nil, "", fmt.Errorf("attach to tmux session: %w", err)
			}
			return p, name, nil
		}
	}

	p, err := pty.Start(argv, dir, env, cols, rows)
	if err != nil {
		return nil, "", fmt.Errorf("spawn process: %w", err)
	}
	return p, "", nil
}

// persistSpawn transitions the record pending -> running. The dispatch
// layer may have created the pending record already; if not, one is created.
func (s *Supervisor) persistSpawn(h *Handle, req SpawnRequest, pid int) *record.Session {
	started := time.Now().UTC()
	updated, err := s.store.Update(req.SessionID, func(rec *record.Session) {
		rec.Status = record.StatusRunning
		rec.Profile = req.Profile
		rec.ProcessID = pid
		rec.StartedAt = &started
		rec.MultiplexName = h.MultiplexName()
		rec.ParentSessionID = req.ParentSessionID
	})
	if err == nil {
		return updated
	}
	if !errors.Is(err, record.ErrNotFound) {
		s.log.Error("persist spawn failed", "session", req.SessionID, "error", err)
	}
	rec := &record.Session{
		ID:              req.SessionID,
		Status:          record.StatusRunning,
		Profile:         req.Profile,
		ProcessID:       pid,
		StartedAt:       &started,
		MultiplexName:   h.MultiplexName(),
		ParentSessionID: req.ParentSessionID,
	}
	if err := s.store.Put(rec); err != nil {
		s.log.Error("persist spawn failed", "session", req.SessionID, "error", err)
	}
	return rec
}

// Kill terminates a session. Idempotent: returns (false, nil) when the
// session has no active handle or is already terminal, with no additional
// writes and no duplicate terminal message.
func (s *Supervisor) Kill(sessionID string) (bool, error) {
	return s.terminate(sessionID, record.StatusKilled, "killed")
}

// terminate ends a session with the given terminal status. Used by Kill and
// by the startup health monitor (which marks failed instead of killed).
func (s *Supervisor) terminate(sessionID string, status record.Status, reason string) (bool, error) {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return false, nil
	}
	h.status = status
	exitCode := -1
	frame := protocol.Encode(protocol.Exit(sessionID, h.ledger.LastSeq()+1, exitCode, string(status)))
	h.ledger.Append(ledger.KindExit, frame)
	h.fanoutLocked(frame)
	p := h.pty
	muxName := h.multiplexName
	h.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if muxName != "" && s.tmux != nil {
		if err := s.tmux.KillSession(muxName); err != nil {
			s.log.Warn("tmux kill failed", "session", sessionID, "error", err)
		}
	}

	s.persistTerminal(h, status, &exitCode, reason)
	s.removeHandle(sessionID)
	s.log.Info("session terminated", "session", sessionID, "status", status, "reason", reason)
	return true, nil
}

// Resize forwards a window size change; no-op when the session is not
// currently active.
func (s *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	h := s.activeHandle(sessionID)
	if h == nil {
		return nil
	}
	return h.ptyRef().Resize(cols, rows)
}

// Write forwards raw bytes to the process; no-op when not active.
func (s *Supervisor) Write(sessionID string, data []byte) error {
	h := s.activeHandle(sessionID)
	if h == nil {
		return nil
	}
	_, err := h.ptyRef().Write(data)
	return err
}

// Input applies one sequenced_input message. Input whose sequence does not
// exceed the last-acted-upon value is a duplicate and is not re-applied,
// but every input is acknowledged so a flaky sender can retransmit safely.
func (s *Supervisor) Input(sessionID string, msg protocol.Message) (protocol.Message, error) {
	h := s.activeHandle(sessionID)
	if h == nil {
		return protocol.Message{}, ErrNotActive
	}

	h.mu.Lock()
	fresh := msg.Seq > h.lastInputSeq
	if fresh {
		h.lastInputSeq = msg.Seq
	}
	h.mu.Unlock()

	if fresh {
		switch msg.Op {
		case protocol.OpWrite:
			data, err := msg.Payload()
			if err == nil && len(data) > 0 {
				h.ptyRef().Write(data)
			}
		case protocol.OpResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				h.ptyRef().Resize(msg.Cols, msg.Rows)
			}
		case protocol.OpKill:
			s.Kill(sessionID)
		default:
			s.log.Debug("unknown input op", "session", sessionID, "op", msg.Op)
		}
	}
	return protocol.InputAck(sessionID, msg.Seq), nil
}

// Replay returns every buffered ledger frame with sequence strictly greater
// than fromSeq, in order.
func (s *Supervisor) Replay(sessionID string, fromSeq uint64) ([][]byte, error) {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotActive
	}
	entries := h.ledger.ReplayAfter(fromSeq)
	frames := make([][]byte, len(entries))
	for i, e := range entries {
		frames[i] = e.Payload
	}
	return frames, nil
}

// AckOutput advances the session's output acknowledgment watermark.
func (s *Supervisor) AckOutput(sessionID string, seq uint64) {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()
	if ok {
		h.ledger.Ack(seq)
	}
}

// Attach registers a viewer channel and queues the history snapshot as its
// first frame, before any new sequenced output. If no handle exists but the
// store says the session is running, recovery is attempted inline.
func (s *Supervisor) Attach(sessionID string, viewer chan []byte) error {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()

	if !ok {
		rec, err := s.store.Get(sessionID)
		if err != nil {
			return ErrSessionNotFound
		}
		if rec.Status != record.StatusRunning {
			return ErrNotActive
		}
		if h, err = s.recoverRecord(rec); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return ErrNotActive
	}
	history := protocol.History(sessionID, h.tailLocked(), h.ledger.LastSeq(), h.lastInputSeq, h.detector.Waiting(), string(h.status))
	select {
	case viewer <- protocol.Encode(history):
	default:
		return fmt.Errorf("viewer channel cannot hold history snapshot")
	}
	h.viewers[viewer] = struct{}{}
	return nil
}

// Detach removes a viewer. Safe to call for a viewer already dropped by a
// failed send.
func (s *Supervisor) Detach(sessionID string, viewer chan []byte) {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	if _, present := h.viewers[viewer]; present {
		delete(h.viewers, viewer)
		close(viewer)
	}
	h.mu.Unlock()
}

// ActiveIDs returns the authoritative set of session ids with a live
// handle. The router's orphan sweep treats this as the primary liveness
// signal.
func (s *Supervisor) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.handles))
	for sid := range s.handles {
		ids = append(ids, sid)
	}
	return ids
}

// Shutdown stops timers and closes every PTY. Processes hosted in tmux keep
// running detached and are reattached by recovery on the next startup.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		s.persist(h)
		h.stopTimers()
		if p := h.ptyRef(); p != nil {
			p.Close()
		}
	}
}

func (s *Supervisor) activeHandle(sessionID string) *Handle {
	s.mu.RLock()
	h, ok := s.handles[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	// A handle with no PTY yet is a spawn reservation: the id is claimed
	// but the process is not up, so the data path must not touch it.
	active := !h.status.Terminal() && h.pty != nil
	h.mu.Unlock()
	if !active {
		return nil
	}
	return h
}

func (s *Supervisor) removeHandle(sessionID string) {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	if ok {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()
	if ok {
		h.stopTimers()
		h.closeViewers()
	}
}

// persistTerminal flushes final state: exit code, final tail, final
// sequence number, completion time.
func (s *Supervisor) persistTerminal(h *Handle, status record.Status, exitCode *int, reason string) {
	h.mu.Lock()
	tail := string(h.tailLocked())
	total := h.totalBytes
	lastSeq := h.ledger.LastSeq()
	lastInput := h.lastInputSeq
	h.mu.Unlock()

	done := time.Now().UTC()
	_, err := s.store.Update(h.id, func(rec *record.Session) {
		rec.Status = status
		rec.ExitCode = exitCode
		rec.OutputLog = tail
		rec.OutputBytes = total
		rec.LastOutputSeq = lastSeq
		rec.LastInputSeq = lastInput
		rec.CompletedAt = &done
		if status != record.StatusCompleted {
			rec.Error = reason
		}
	})
	if err != nil {
		s.log.Error("persist terminal state failed", "session", h.id, "error", err)
	}
}

// persist flushes the periodic snapshot: bounded tail, true byte total,
// latest sequence numbers. Bounds data loss on an ungraceful crash to one
// interval.
func (s *Supervisor) persist(h *Handle) {
	h.mu.Lock()
	tail := string(h.tailLocked())
	total := h.totalBytes
	lastSeq := h.ledger.LastSeq()
	lastInput := h.lastInputSeq
	terminal := h.status.Terminal()
	h.mu.Unlock()
	if terminal {
		return
	}
	_, err := s.store.Update(h.id, func(rec *record.Session) {
		rec.OutputLog = tail
		rec.OutputBytes = total
		rec.LastOutputSeq = lastSeq
		rec.LastInputSeq = lastInput
	})
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		s.log.Warn("periodic persist failed", "session", h.id, "error", err)
	}
}
