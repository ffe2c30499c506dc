// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package record defines the persisted session record and the store the
// supervisor and router share with the rest of the control plane.
//
// The store is a collaborator, not an owned database: the dispatch layer
// creates records, workers update the ones routed to them, and this process
// updates the ones it supervises. Everyone reads everyone else's writes.
package record

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session record not found")

// Status is the persisted lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is a terminal state. Terminal records
// are immutable except for the recovery race-correction (failed -> running
// when the multiplexed process is proven alive).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// Profile selects what kind of process a session runs.
type Profile string

const (
	// ProfileInteractive runs the agent CLI interactively; the user confirms
	// actions through the terminal.
	ProfileInteractive Profile = "interactive"
	// ProfileAutonomous runs the agent CLI with all interactive confirmation
	// suppressed.
	ProfileAutonomous Profile = "autonomous"
	// ProfileSingleShot runs the agent CLI non-interactively with the full
	// prompt embedded in the arguments and machine-readable output requested.
	ProfileSingleShot Profile = "singleshot"
	// ProfileShell runs a plain interactive shell, no agent binary at all.
	ProfileShell Profile = "shell"
)

// Session is the persisted session record.
type Session struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Profile         Profile    `json:"profile"`
	ProcessID       int        `json:"processId,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	Error           string     `json:"error,omitempty"`
	OutputLog       string     `json:"outputLog,omitempty"`
	OutputBytes     int64      `json:"outputBytes"`
	LastOutputSeq   uint64     `json:"lastOutputSeq"`
	LastInputSeq    uint64     `json:"lastInputSeq"`
	WorkerID        string     `json:"workerId,omitempty"`
	MultiplexName   string     `json:"multiplexName,omitempty"`
	ParentSessionID string     `json:"parentSessionId,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without racing the cache.
func (s *Session) Clone() *Session {
	out := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		out.ExitCode = &code
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Store is the persistent record store collaborator.
type Store interface {
	Get(id string) (*Session, error)
	Put(sess *Session) error
	// Update applies fn to the current record under the store's lock and
	// persists the result. Returns ErrNotFound if no record exists.
	Update(id string, fn func(*Session)) (*Session, error)
	ListByStatus(status Status) ([]*Session, error)
	Delete(id string) error
}
