// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Hyper-Int/OrcaRelay/internal/protocol"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
	"github.com/Hyper-Int/OrcaRelay/internal/supervisor"
	"github.com/Hyper-Int/OrcaRelay/internal/worker"
	"github.com/Hyper-Int/OrcaRelay/internal/ws"
)

// memStore is an in-memory record.Store for tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*record.Session
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*record.Session)}
}

func (m *memStore) Get(id string) (*record.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) Put(rec *record.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *memStore) Update(id string, fn func(*record.Session)) (*record.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	next := rec.Clone()
	fn(next)
	m.recs[id] = next
	return next.Clone(), nil
}

func (m *memStore) ListByStatus(status record.Status) ([]*record.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.Session
	for _, rec := range m.recs {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return record.ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

// fakeLocal is a scripted Local supervisor view.
type fakeLocal struct {
	mu        sync.Mutex
	activeIDs []string
	activeErr error
	streamURL string
	killed    []string
}

func (f *fakeLocal) ActiveIDs() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeIDs, f.activeErr
}

func (f *fakeLocal) StreamURL(sessionID string) string {
	if f.streamURL != "" {
		return f.streamURL
	}
	// A port nothing listens on, so local dials fail fast.
	return "ws://127.0.0.1:1/sessions/" + sessionID + "/stream"
}

func (f *fakeLocal) Kill(sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return true, nil
}

func (f *fakeLocal) killedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T) (*Bridge, *memStore, *fakeLocal, *worker.Registry) {
	t.Helper()
	store := newMemStore()
	local := &fakeLocal{}
	workers := worker.NewRegistry()
	b := New(store, workers, local, nil, testLogger())
	return b, store, local, workers
}

// connectTestWorker registers a worker over a real websocket connection held
// open by a discard server.
func connectTestWorker(t *testing.T, reg *worker.Registry, id string) (*worker.Worker, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return reg.Connect(id, conn), conn
}

// attachViewer runs Attach against a real viewer websocket pair and returns
// the client side for reading the frames the bridge sent.
func attachViewer(t *testing.T, b *Bridge, sessionID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Attach(sessionID, NewViewer(conn))
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	return client
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr.Code
}

func TestAttachUnknownSessionClosesNotFound(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	client := attachViewer(t, b, "missing")
	require.Equal(t, CloseNotFound, readCloseCode(t, client))
}

func TestAttachUnreachableLiveSessionClosesRetryLater(t *testing.T) {
	b, store, _, _ := newTestBridge(t)
	require.NoError(t, store.Put(&record.Session{ID: "s1", Status: record.StatusRunning}))

	client := attachViewer(t, b, "s1")
	require.Equal(t, CloseRetryLater, readCloseCode(t, client))
}

func TestAttachTerminalSessionServesStoredHistory(t *testing.T) {
	b, store, _, _ := newTestBridge(t)
	code := 0
	require.NoError(t, store.Put(&record.Session{
		ID:            "s1",
		Status:        record.StatusCompleted,
		OutputLog:     "final scrollback",
		LastOutputSeq: 99,
		ExitCode:      &code,
	}))

	client := attachViewer(t, b, "s1")

	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	history, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHistory, history.Type)
	require.Equal(t, uint64(99), history.Seq)
	require.Equal(t, "completed", history.Status)
	payload, err := history.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte("final scrollback"), payload)

	_, frame, err = client.ReadMessage()
	require.NoError(t, err)
	exit, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeExit, exit.Type)
	require.NotNil(t, exit.ExitCode)
	require.Equal(t, 0, *exit.ExitCode)
}

// serveRealStream points the bridge's local dials at a live supervisor
// stream endpoint backed by the same store, the way cmd/server wires it.
func serveRealStream(t *testing.T, local *fakeLocal, store record.Store, sessionID string) {
	t.Helper()
	sup := supervisor.New(supervisor.Options{
		PersistInterval: time.Hour,
		HealthDelay:     time.Hour,
	}, store, nil, testLogger())
	t.Cleanup(sup.Shutdown)

	router := ws.NewStreamRouter(sup, "*", testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{sessionId}/stream", router.HandleStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	local.streamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sessionID + "/stream"
}

func TestAttachTerminalSessionOverLiveEndpointServesStoredHistory(t *testing.T) {
	b, store, local, _ := newTestBridge(t)
	code := 1
	require.NoError(t, store.Put(&record.Session{
		ID:            "s1",
		Status:        record.StatusFailed,
		OutputLog:     "final scrollback",
		LastOutputSeq: 7,
		ExitCode:      &code,
	}))
	serveRealStream(t, local, store, "s1")

	// The dial succeeds here; the endpoint then refuses the terminal
	// session. The viewer must still get the stored snapshot, not a
	// close that sends it into a reconnect loop.
	client := attachViewer(t, b, "s1")

	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	history, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHistory, history.Type)
	require.Equal(t, uint64(7), history.Seq)
	require.Equal(t, "failed", history.Status)
	payload, err := history.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte("final scrollback"), payload)

	_, frame, err = client.ReadMessage()
	require.NoError(t, err)
	exit, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeExit, exit.Type)
	require.NotNil(t, exit.ExitCode)
	require.Equal(t, 1, *exit.ExitCode)
}

func TestAttachDeadWorkerSessionOverLiveEndpointClosesRetryLater(t *testing.T) {
	b, store, local, _ := newTestBridge(t)
	require.NoError(t, store.Put(&record.Session{ID: "s1", Status: record.StatusRunning, WorkerID: "w9"}))
	serveRealStream(t, local, store, "s1")

	// The pinned worker is not connected, so the bridge falls through to
	// the local supervisor, which refuses a session it does not own. The
	// record still claims to be running somewhere, so the viewer is told
	// to retry rather than being shown stale output as current.
	client := attachViewer(t, b, "s1")
	require.Equal(t, CloseRetryLater, readCloseCode(t, client))
}

func TestAttachWorkerRoutedSessionGetsStoredHistory(t *testing.T) {
	b, store, _, workers := newTestBridge(t)
	connectTestWorker(t, workers, "w1")
	require.NoError(t, store.Put(&record.Session{
		ID:        "s1",
		Status:    record.StatusRunning,
		WorkerID:  "w1",
		OutputLog: "remote tail",
	}))

	client := attachViewer(t, b, "s1")

	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	history, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHistory, history.Type)
	require.Equal(t, "running", history.Status)
}

func TestKillTerminalRecordIsNoop(t *testing.T) {
	b, store, local, _ := newTestBridge(t)
	done := time.Now().UTC()
	require.NoError(t, store.Put(&record.Session{
		ID:          "s1",
		Status:      record.StatusCompleted,
		CompletedAt: &done,
	}))

	require.NoError(t, b.Kill("s1"))
	require.Empty(t, local.killedSessions())

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.Equal(t, record.StatusCompleted, got.Status)
}

func TestKillLocalSessionWritesSafetyNet(t *testing.T) {
	b, store, local, _ := newTestBridge(t)
	require.NoError(t, store.Put(&record.Session{ID: "s1", Status: record.StatusRunning}))

	require.NoError(t, b.Kill("s1"))
	require.Equal(t, []string{"s1"}, local.killedSessions())

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.Equal(t, record.StatusKilled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestKillWorkerSessionRoutesToWorker(t *testing.T) {
	b, store, local, workers := newTestBridge(t)
	connectTestWorker(t, workers, "w1")
	require.NoError(t, store.Put(&record.Session{ID: "s1", Status: record.StatusRunning, WorkerID: "w1"}))

	require.NoError(t, b.Kill("s1"))
	// Routed to the worker, never to the local supervisor.
	require.Empty(t, local.killedSessions())

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.Equal(t, record.StatusKilled, got.Status)
}

func TestKillUnknownSession(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	require.ErrorIs(t, b.Kill("missing"), record.ErrNotFound)
}

func TestKillDeadWorkerFallsBackToLocal(t *testing.T) {
	b, store, local, workers := newTestBridge(t)
	w, conn := connectTestWorker(t, workers, "w1")
	require.NoError(t, store.Put(&record.Session{ID: "s1", Status: record.StatusRunning, WorkerID: "w1"}))

	workers.Disconnect("w1", conn)
	require.False(t, w.Alive())

	require.NoError(t, b.Kill("s1"))
	require.Equal(t, []string{"s1"}, local.killedSessions())

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.Equal(t, record.StatusKilled, got.Status)
}
