// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package detect

import "time"

// InputDetector is the two-state machine inferring "process is blocked
// waiting for interactive input" from a session's raw output stream.
//
// not-waiting -> waiting on a bell byte in freshly arrived output. Repeat
// bells while already waiting are absorbed. waiting -> not-waiting only
// once BOTH a grace window has elapsed since the triggering bell AND the
// visible (escape-stripped) byte volume since then crosses a threshold.
// The two conditions together keep redraw noise right after the bell, and
// the repaint burst tmux emits on reattachment, from producing false
// "input no longer needed" flips.
type InputDetector struct {
	clearGrace time.Duration
	clearBytes int
	now        func() time.Time

	waiting       bool
	bytesSinceBel int
	clearAfter    time.Time
}

// NewInputDetector creates a detector. Zero values select the defaults.
func NewInputDetector(clearGrace time.Duration, clearBytes int) *InputDetector {
	if clearGrace <= 0 {
		clearGrace = 2 * time.Second
	}
	if clearBytes <= 0 {
		clearBytes = 100
	}
	return &InputDetector{
		clearGrace: clearGrace,
		clearBytes: clearBytes,
		now:        time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (d *InputDetector) SetClock(now func() time.Time) { d.now = now }

// Waiting returns the current inferred state.
func (d *InputDetector) Waiting() bool { return d.waiting }

// SeedWaiting forces the waiting state without a bell. Recovery uses it
// after matching confirmation phrasing in captured pane content.
func (d *InputDetector) SeedWaiting() {
	d.waiting = true
	d.bytesSinceBel = 0
	d.clearAfter = d.now().Add(d.clearGrace)
}

// Suppress keeps the waiting state from clearing before the given deadline,
// regardless of output volume. Used to absorb the reattachment redraw.
func (d *InputDetector) Suppress(until time.Time) {
	if until.After(d.clearAfter) {
		d.clearAfter = until
	}
}

// Feed consumes a freshly arrived output chunk. It returns changed=true
// when the waiting state flipped, along with the new state.
func (d *InputDetector) Feed(chunk []byte) (changed, waiting bool) {
	if !d.waiting {
		if HasBell(chunk) {
			d.waiting = true
			d.bytesSinceBel = 0
			d.clearAfter = d.now().Add(d.clearGrace)
			return true, true
		}
		return false, false
	}

	// Already waiting: duplicate bells reset nothing and emit nothing.
	d.bytesSinceBel += VisibleLen(chunk)
	if d.bytesSinceBel >= d.clearBytes && d.now().After(d.clearAfter) {
		d.waiting = false
		d.bytesSinceBel = 0
		return true, false
	}
	return false, true
}
