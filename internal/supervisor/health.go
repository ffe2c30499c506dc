// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package supervisor

import (
	"time"

	"github.com/Hyper-Int/OrcaRelay/internal/detect"
)

// scheduleHealthCheck arms the one-shot startup health monitor. It catches
// silent spawn failures (missing binary, bad arguments) that never produce
// a prompt nonzero exit: a session with no credible output by the deadline
// is force-killed and marked failed.
func (s *Supervisor) scheduleHealthCheck(h *Handle) {
	h.mu.Lock()
	h.healthTimer = time.AfterFunc(s.opts.HealthDelay, func() {
		s.checkStartupHealth(h)
	})
	h.mu.Unlock()
}

func (s *Supervisor) checkStartupHealth(h *Handle) {
	s.mu.RLock()
	_, active := s.handles[h.id]
	s.mu.RUnlock()
	if !active {
		return // already exited or killed; nothing to judge
	}

	h.mu.Lock()
	started := h.hasStarted
	tail := h.tailLocked()
	h.mu.Unlock()

	if started && detect.HealthyOutput(tail, s.opts.HealthMinVisible) {
		return
	}

	s.log.Warn("startup health check failed, killing session",
		"session", h.id, "bytes", len(tail))
	s.terminate(h.id, "failed", ErrStartupHealth.Error())
}
