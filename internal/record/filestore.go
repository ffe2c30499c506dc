// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package record

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore persists one JSON file per session under a directory. Records
// are cached in memory; an fsnotify watcher reloads files written by other
// processes sharing the store directory (dispatch layer, workers).
type FileStore struct {
	dir     string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]*Session
}

// OpenFileStore opens (creating if needed) a file-backed store at dir and
// loads all existing records.
func OpenFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		log:   log,
		cache: make(map[string]*Session),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create store watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch store dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Close stops the external-change watcher.
func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := s.reloadFile(filepath.Join(s.dir, e.Name())); err != nil {
			s.log.Warn("skipping unreadable record", "file", e.Name(), "error", err)
		}
	}
	return nil
}

// reloadFile reads a record file into the cache. Missing files evict the
// cached entry (the record was deleted externally).
func (s *FileStore) reloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			id := strings.TrimSuffix(filepath.Base(path), ".json")
			s.mu.Lock()
			delete(s.cache, id)
			s.mu.Unlock()
			return nil
		}
		return err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("parse record %s: %w", path, err)
	}
	if sess.ID == "" {
		return fmt.Errorf("record %s has no id", path)
	}
	s.mu.Lock()
	s.cache[sess.ID] = &sess
	s.mu.Unlock()
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reloadFile(ev.Name); err != nil {
				s.log.Debug("record reload failed", "file", ev.Name, "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("store watcher error", "error", err)
		}
	}
}

// Get returns a copy of the record for id.
func (s *FileStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Put writes the record to disk and cache.
func (s *FileStore) Put(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("record has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(sess.Clone())
}

// writeLocked persists via temp-file rename so external readers never see a
// partial record. Caller must hold s.mu.
func (s *FileStore) writeLocked(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := s.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, s.path(sess.ID)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	s.cache[sess.ID] = sess
	return nil
}

// Update applies fn under the store lock and persists the result.
func (s *FileStore) Update(id string, fn func(*Session)) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cache[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	fn(next)
	if err := s.writeLocked(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// ListByStatus returns copies of all records with the given status.
func (s *FileStore) ListByStatus(status Status) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.cache {
		if sess.Status == status {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// Delete removes the record from disk and cache.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; !ok {
		return ErrNotFound
	}
	delete(s.cache, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}
