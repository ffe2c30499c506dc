// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ledger is the per-session append-only log of sequenced viewer
// messages. Sequence numbers are assigned on append, strictly increasing
// from 1, and never reused for the lifetime of a process handle. Entries
// stay buffered until acknowledged past the retention floor, so a viewer
// that missed messages can replay the exact gap.
package ledger

import "sync"

// Kind classifies a ledger entry.
type Kind string

const (
	KindOutput  Kind = "output"
	KindWaiting Kind = "waiting_state"
	KindExit    Kind = "exit"
)

// Entry is one sequenced viewer-bound message.
type Entry struct {
	Kind    Kind
	Seq     uint64
	Payload []byte
}

// Log is an append-only sequenced buffer with an acknowledgment watermark.
type Log struct {
	mu         sync.Mutex
	entries    []Entry
	lastSeq    uint64
	acked      uint64
	retainMin  int
	maxEntries int
}

const (
	// DefaultRetainMin entries are kept even when acknowledged, so a viewer
	// that reconnects immediately after acking can still replay recent
	// context.
	DefaultRetainMin = 256
	// DefaultMaxEntries bounds memory per session. Entries dropped by the
	// cap are gone for replay purposes; that is the documented retention
	// limitation, not an error.
	DefaultMaxEntries = 8192
)

// New creates a Log. Zero values select the defaults.
func New(retainMin, maxEntries int) *Log {
	if retainMin <= 0 {
		retainMin = DefaultRetainMin
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{retainMin: retainMin, maxEntries: maxEntries}
}

// Seed advances the sequence counter to at least lastSeq. Recovery uses it
// so a reattached session continues the persisted numbering instead of
// reusing sequence numbers viewers have already seen.
func (l *Log) Seed(lastSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastSeq > l.lastSeq {
		l.lastSeq = lastSeq
	}
}

// Append assigns the next sequence number to payload and buffers it.
func (l *Log) Append(kind Kind, payload []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeq++
	l.entries = append(l.entries, Entry{Kind: kind, Seq: l.lastSeq, Payload: payload})
	l.compactLocked()
	return l.lastSeq
}

// Ack records that the viewer side has durably received all entries up to
// and including seq. Stale acks (below the current watermark) are ignored.
func (l *Log) Ack(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.acked {
		l.acked = seq
	}
	l.compactLocked()
}

// compactLocked drops acknowledged entries beyond the retention floor and
// enforces the hard cap. Caller must hold l.mu.
func (l *Log) compactLocked() {
	drop := 0
	for drop < len(l.entries)-l.retainMin && l.entries[drop].Seq <= l.acked {
		drop++
	}
	if over := len(l.entries) - drop - l.maxEntries; over > 0 {
		drop += over
	}
	if drop > 0 {
		l.entries = append([]Entry(nil), l.entries[drop:]...)
	}
}

// ReplayAfter returns copies of every buffered entry with sequence strictly
// greater than fromSeq, in order. The result is contiguous: entries below
// the retention floor may already be gone, in which case the suffix starts
// at the lowest still-buffered sequence.
func (l *Log) ReplayAfter(fromSeq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := len(l.entries)
	for i, e := range l.entries {
		if e.Seq > fromSeq {
			start = i
			break
		}
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// LastSeq returns the most recently assigned sequence number (0 before the
// first append).
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// LowestSeq returns the lowest still-buffered sequence, or 0 when empty.
func (l *Log) LowestSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Seq
}

// Len returns the number of buffered entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
