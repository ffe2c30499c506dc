// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/Hyper-Int/OrcaRelay/internal/detect"
	"github.com/Hyper-Int/OrcaRelay/internal/ledger"
	"github.com/Hyper-Int/OrcaRelay/internal/protocol"
	"github.com/Hyper-Int/OrcaRelay/internal/pty"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
)

// viewerBuffer is the per-viewer channel depth. A viewer that falls this
// far behind is dropped; its own reconnect logic replays the gap.
const viewerBuffer = 256

// Handle is the in-memory process handle, at most one per active session
// id. All mutable fields are guarded by mu, scoped to this handle so one
// session's traffic never serializes another's.
type Handle struct {
	id      string
	profile record.Profile
	ledger  *ledger.Log

	mu            sync.Mutex
	pty           *pty.PTY
	multiplexName string
	buf           []byte // bounded output tail, oldest bytes dropped
	maxBuf        int
	totalBytes    int64 // true cumulative count, never capped
	lastInputSeq  uint64
	detector      *detect.InputDetector
	status        record.Status
	hasStarted    bool
	viewers       map[chan []byte]struct{}

	persistStop chan struct{}
	healthTimer *time.Timer
}

func (s *Supervisor) newHandle(sessionID string, profile record.Profile) *Handle {
	return &Handle{
		id:          sessionID,
		profile:     profile,
		ledger:      ledger.New(0, 0),
		maxBuf:      s.opts.MaxOutputLog,
		detector:    detect.NewInputDetector(s.opts.WaitingClearGrace, s.opts.WaitingClearBytes),
		status:      record.StatusPending,
		viewers:     make(map[chan []byte]struct{}),
		persistStop: make(chan struct{}),
	}
}

// startLoops starts the handle's read loop, exit watcher, and periodic
// persistence ticker.
func (s *Supervisor) startLoops(h *Handle) {
	done := h.ptyRef().Done()
	go s.readLoop(h)
	go func() {
		code := <-done
		s.finishExit(h, code)
	}()
	go s.persistLoop(h)
}

// readLoop pulls raw chunks off the PTY and runs each through the
// serialized output path. Exits when the PTY closes.
func (s *Supervisor) readLoop(h *Handle) {
	buf := make([]byte, 32*1024)
	p := h.ptyRef()
	for {
		n, err := p.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(h, chunk)
		}
		if err != nil {
			return
		}
	}
}

// handleOutput is the per-session serialized event path: buffer-append,
// detector-update, ledger-append, fan-out. Holding h.mu across all four
// keeps sequence numbers and delivery order consistent for every viewer.
func (s *Supervisor) handleOutput(h *Handle, chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}

	h.hasStarted = true
	h.totalBytes += int64(len(chunk))
	h.buf = append(h.buf, chunk...)
	if over := len(h.buf) - h.maxBuf; over > 0 {
		h.buf = append([]byte(nil), h.buf[over:]...)
	}

	changed, waiting := h.detector.Feed(chunk)

	seq := h.ledger.LastSeq() + 1
	frame := protocol.Encode(protocol.Output(h.id, seq, chunk))
	h.ledger.Append(ledger.KindOutput, frame)
	h.fanoutLocked(frame)

	if changed {
		wseq := h.ledger.LastSeq() + 1
		wframe := protocol.Encode(protocol.Waiting(h.id, wseq, waiting))
		h.ledger.Append(ledger.KindWaiting, wframe)
		h.fanoutLocked(wframe)
	}
}

// fanoutLocked sends a frame to every attached viewer best-effort. A full
// channel means a slow or dead viewer; it is dropped from the set and its
// channel closed, which unblocks its write pump. Caller must hold h.mu.
func (h *Handle) fanoutLocked(frame []byte) {
	for v := range h.viewers {
		select {
		case v <- frame:
		default:
			delete(h.viewers, v)
			close(v)
		}
	}
}

// finishExit handles asynchronous process exit. If the handle was already
// transitioned by an explicit kill there is nothing left to report.
func (s *Supervisor) finishExit(h *Handle, exitCode int) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	status := record.StatusCompleted
	if exitCode != 0 {
		status = record.StatusFailed
	}
	h.status = status
	frame := protocol.Encode(protocol.Exit(h.id, h.ledger.LastSeq()+1, exitCode, string(status)))
	h.ledger.Append(ledger.KindExit, frame)
	h.fanoutLocked(frame)
	h.mu.Unlock()

	reason := ""
	if status == record.StatusFailed {
		reason = fmt.Sprintf("process exited with code %d", exitCode)
	}
	s.persistTerminal(h, status, &exitCode, reason)
	s.removeHandle(h.id)
	s.log.Info("session exited", "session", h.id, "status", status, "code", exitCode)
}

func (s *Supervisor) persistLoop(h *Handle) {
	ticker := time.NewTicker(s.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.persist(h)
		case <-h.persistStop:
			return
		}
	}
}

// tailLocked returns a copy of the bounded output tail. Caller holds h.mu.
func (h *Handle) tailLocked() []byte {
	out := make([]byte, len(h.buf))
	copy(out, h.buf)
	return out
}

func (h *Handle) ptyRef() *pty.PTY {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pty
}

// MultiplexName returns the tmux session name backing this handle, or "".
func (h *Handle) MultiplexName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.multiplexName
}

func (h *Handle) stopTimers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.persistStop:
	default:
		close(h.persistStop)
	}
	if h.healthTimer != nil {
		h.healthTimer.Stop()
		h.healthTimer = nil
	}
}

func (h *Handle) closeViewers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v)
	}
}
