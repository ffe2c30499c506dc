// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"time"

	"github.com/Hyper-Int/OrcaRelay/internal/record"
)

// CleanupOrphans sweeps running records and marks the ones that are
// provably dead everywhere as failed. Liveness is judged from independent
// signals: the supervisor's authoritative active-id set, each live worker's
// self-reported set, and (last resort) a direct tmux check. A record is
// marked failed only when every reachable signal agrees the session is
// gone; when the authoritative signal is unreachable the record is skipped
// rather than guessed at. Ambiguity never causes termination.
func (b *Bridge) CleanupOrphans() {
	running, err := b.store.ListByStatus(record.StatusRunning)
	if err != nil {
		b.log.Error("cleanup: list running failed", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}

	activeIDs, err := b.local.ActiveIDs()
	supervisorReachable := err == nil
	if !supervisorReachable {
		b.log.Warn("cleanup: supervisor unreachable, skipping sweep", "error", err)
	}
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	for _, rec := range running {
		if !supervisorReachable {
			continue // unknown, not dead
		}
		if _, ok := active[rec.ID]; ok {
			continue
		}
		if alive, known := b.workerLiveness(rec); !known {
			continue // the worker that owns it is unreachable
		} else if alive {
			continue
		}
		if b.tmux != nil && rec.MultiplexName != "" && b.tmux.Has(rec.MultiplexName) {
			continue // recoverable; leave it for the recovery manager
		}

		done := time.Now().UTC()
		_, err := b.store.Update(rec.ID, func(r *record.Session) {
			if r.Status != record.StatusRunning {
				return
			}
			r.Status = record.StatusFailed
			r.Error = "orphaned: process not found on any supervisor"
			r.CompletedAt = &done
		})
		if err != nil {
			b.log.Error("cleanup: mark failed errored", "session", rec.ID, "error", err)
			continue
		}
		b.log.Info("cleanup: orphaned session marked failed", "session", rec.ID)
	}
}

// workerLiveness checks worker signals for the record. known=false means
// the signal that would be authoritative for this record was unreachable.
func (b *Bridge) workerLiveness(rec *record.Session) (alive, known bool) {
	if rec.WorkerID != "" {
		w, ok := b.workers.Get(rec.WorkerID)
		if !ok || !w.Alive() {
			return false, false
		}
		return w.HasSession(rec.ID), true
	}
	// Not pinned to a worker: any live worker claiming the session counts.
	for _, w := range b.workers.List() {
		if w.Alive() && w.HasSession(rec.ID) {
			return true, true
		}
	}
	return false, true
}

// RunCleanupLoop runs CleanupOrphans every interval until stop closes.
func (b *Bridge) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.CleanupOrphans()
		case <-stop:
			return
		}
	}
}
