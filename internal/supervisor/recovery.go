// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package supervisor

import (
	"fmt"
	"time"

	"github.com/Hyper-Int/OrcaRelay/internal/detect"
	"github.com/Hyper-Int/OrcaRelay/internal/pty"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
)

// RecoverAll runs the startup recovery pass: every record the store marks
// running is reattached if its tmux session is still alive, and records a
// previous pass wrongly marked failed (a race between recovery passes) are
// re-recovered when the tmux session proves the process survived.
func (s *Supervisor) RecoverAll() {
	running, err := s.store.ListByStatus(record.StatusRunning)
	if err != nil {
		s.log.Error("recovery: list running records failed", "error", err)
		return
	}
	for _, rec := range running {
		if _, err := s.recoverRecord(rec); err != nil {
			s.log.Warn("recovery failed", "session", rec.ID, "error", err)
		}
	}

	if s.tmux == nil {
		return
	}
	failed, err := s.store.ListByStatus(record.StatusFailed)
	if err != nil {
		s.log.Error("recovery: list failed records failed", "error", err)
		return
	}
	for _, rec := range failed {
		if rec.MultiplexName == "" || !s.tmux.Has(rec.MultiplexName) {
			continue
		}
		// The process is provably alive: correct the record back to
		// running. Not a normal transition, a race-correction.
		if _, err := s.recoverRecord(rec); err != nil {
			s.log.Warn("re-recovery failed", "session", rec.ID, "error", err)
		}
	}
}

// recoverRecord rebuilds a process handle for a session that is still alive
// inside the multiplexer. The captured pane content seeds the output tail
// (falling back to the last persisted tail), a textual heuristic seeds the
// waiting flag since no bell byte is available at reattachment time, and a
// grace window suppresses waiting-state clears while tmux repaints the
// screen. Also invoked inline when a viewer attaches to a session the
// in-memory map has no handle for.
func (s *Supervisor) recoverRecord(rec *record.Session) (*Handle, error) {
	if rec.WorkerID != "" {
		return nil, fmt.Errorf("%w: session belongs to worker %s", ErrRecoveryFailed, rec.WorkerID)
	}
	if s.tmux == nil || rec.MultiplexName == "" {
		s.markRecoveryFailed(rec.ID, "no multiplexed session to reattach")
		return nil, fmt.Errorf("%w: no multiplexed session to reattach", ErrRecoveryFailed)
	}
	if !s.tmux.Has(rec.MultiplexName) {
		s.markRecoveryFailed(rec.ID, "multiplexed session is gone")
		return nil, fmt.Errorf("%w: tmux session %s is gone", ErrRecoveryFailed, rec.MultiplexName)
	}

	pane, err := s.tmux.CapturePane(rec.MultiplexName)
	if err != nil {
		s.log.Warn("capture-pane failed, seeding from persisted tail",
			"session", rec.ID, "error", err)
		pane = ""
	}

	h := s.newHandle(rec.ID, rec.Profile)
	s.mu.Lock()
	if existing, ok := s.handles[rec.ID]; ok {
		// Another attach won the race; use its handle.
		s.mu.Unlock()
		return existing, nil
	}
	s.handles[rec.ID] = h
	s.mu.Unlock()

	p, err := pty.Start(s.tmux.AttachArgv(rec.MultiplexName), "", nil, 80, 24)
	if err != nil {
		s.removeHandle(rec.ID)
		s.markRecoveryFailed(rec.ID, "reattach to multiplexed session failed")
		return nil, fmt.Errorf("%w: reattach: %v", ErrRecoveryFailed, err)
	}

	seed := []byte(pane)
	if len(seed) == 0 {
		seed = []byte(rec.OutputLog)
	}

	h.mu.Lock()
	if h.status.Terminal() {
		// A kill landed while the reattach was in flight; honor it.
		h.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("%w: %s killed during reattach", ErrNotActive, rec.ID)
	}
	h.pty = p
	h.multiplexName = rec.MultiplexName
	h.status = record.StatusRunning
	h.hasStarted = len(seed) > 0
	h.buf = append(h.buf, seed...)
	if over := len(h.buf) - h.maxBuf; over > 0 {
		h.buf = h.buf[over:]
	}
	h.totalBytes = rec.OutputBytes
	h.lastInputSeq = rec.LastInputSeq
	h.ledger.Seed(rec.LastOutputSeq)
	if detect.LooksLikeConfirmPrompt(pane) {
		h.detector.SeedWaiting()
	}
	h.detector.Suppress(time.Now().Add(s.opts.RecoveryGrace))
	waiting := h.detector.Waiting()
	h.mu.Unlock()

	if _, err := s.store.Update(rec.ID, func(r *record.Session) {
		r.Status = record.StatusRunning
		r.ProcessID = p.Pid()
		r.Error = ""
		r.CompletedAt = nil
		r.ExitCode = nil
	}); err != nil {
		s.log.Error("persist recovered state failed", "session", rec.ID, "error", err)
	}

	s.startLoops(h)
	s.log.Info("session recovered", "session", rec.ID, "multiplex", rec.MultiplexName,
		"seeded", len(seed), "waiting", waiting)
	return h, nil
}

func (s *Supervisor) markRecoveryFailed(sessionID, reason string) {
	done := time.Now().UTC()
	_, err := s.store.Update(sessionID, func(rec *record.Session) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = record.StatusFailed
		rec.Error = reason
		rec.CompletedAt = &done
	})
	if err != nil {
		s.log.Error("mark recovery failure failed", "session", sessionID, "error", err)
	}
}
