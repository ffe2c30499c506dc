// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package record

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := OpenFileStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	err := s.Put(&Session{
		ID:        "sess-1",
		Profile:   ProfileInteractive,
		Status:    StatusRunning,
		ProcessID: 4242,
		StartedAt: &now,
	})
	require.NoError(t, err)

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.ID)
	require.Equal(t, StatusRunning, got.Status)
	require.Equal(t, 4242, got.ProcessID)
	require.False(t, got.UpdatedAt.IsZero())
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutRequiresID(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.Put(&Session{}))
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "sess-1", Status: StatusRunning}))

	first, err := s.Get("sess-1")
	require.NoError(t, err)
	first.Status = StatusKilled
	first.OutputLog = "mutated"

	second, err := s.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, second.Status)
	require.Empty(t, second.OutputLog)
}

func TestUpdatePersistsMutation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "sess-1", Status: StatusRunning}))

	code := 0
	updated, err := s.Update("sess-1", func(sess *Session) {
		sess.Status = StatusCompleted
		sess.ExitCode = &code
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, updated.Status)

	// The mutation must survive on disk, not just in cache.
	data, err := os.ReadFile(filepath.Join(s.dir, "sess-1.json"))
	require.NoError(t, err)
	var onDisk Session
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, StatusCompleted, onDisk.Status)
	require.NotNil(t, onDisk.ExitCode)
}

func TestUpdateUnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update("nope", func(*Session) {})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "a", Status: StatusRunning}))
	require.NoError(t, s.Put(&Session{ID: "b", Status: StatusRunning}))
	require.NoError(t, s.Put(&Session{ID: "c", Status: StatusCompleted}))

	running, err := s.ListByStatus(StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)

	killed, err := s.ListByStatus(StatusKilled)
	require.NoError(t, err)
	require.Empty(t, killed)
}

func TestDeleteRemovesRecordAndFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "sess-1", Status: StatusCompleted}))

	require.NoError(t, s.Delete("sess-1"))
	_, err := s.Get("sess-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(s.dir, "sess-1.json"))
	require.True(t, os.IsNotExist(err))

	require.ErrorIs(t, s.Delete("sess-1"), ErrNotFound)
}

func TestOpenLoadsExistingRecords(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	first, err := OpenFileStore(dir, log)
	require.NoError(t, err)
	require.NoError(t, first.Put(&Session{ID: "sess-1", Status: StatusFailed, Error: "died"}))
	require.NoError(t, first.Close())

	second, err := OpenFileStore(dir, log)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "died", got.Error)
}

func TestOpenSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noid.json"), []byte("{}"), 0o644))

	s, err := OpenFileStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("junk")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReloadFilePicksUpExternalWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "sess-1", Status: StatusRunning}))

	// Simulate another process rewriting the record file directly.
	ext := &Session{ID: "sess-1", Status: StatusKilled, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(ext)
	require.NoError(t, err)
	path := filepath.Join(s.dir, "sess-1.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, s.reloadFile(path))

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusKilled, got.Status)
}

func TestReloadMissingFileEvicts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(&Session{ID: "sess-1", Status: StatusCompleted}))

	path := filepath.Join(s.dir, "sess-1.json")
	require.NoError(t, os.Remove(path))
	require.NoError(t, s.reloadFile(path))

	_, err := s.Get("sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}
