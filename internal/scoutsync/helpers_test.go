package scoutsync

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeServer is an event server whose answers tests can change on the fly.
type fakeServer struct {
	*httptest.Server

	status atomic.Int32
	delay  atomic.Int64 // nanoseconds

	submits atomic.Int32
	reads   atomic.Int32

	mu       sync.Mutex
	readBody []byte
	bodies   [][]byte
	apiKeys  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{readBody: []byte(`{}`)}
	f.status.Store(http.StatusOK)
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(f.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-API-KEY"))
	if r.Method == http.MethodPost {
		f.bodies = append(f.bodies, body)
	}
	readBody := f.readBody
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == submitPath:
		f.submits.Add(1)
	case r.Method == http.MethodGet:
		f.reads.Add(1)
	}

	status := int(f.status.Load())
	w.WriteHeader(status)
	if r.Method == http.MethodGet && status < 300 {
		_, _ = w.Write(readBody)
	}
}

func (f *fakeServer) setReadBody(b string) {
	f.mu.Lock()
	f.readBody = []byte(b)
	f.mu.Unlock()
}

func (f *fakeServer) setStatus(code int) { f.status.Store(int32(code)) }

func (f *fakeServer) postedBodies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.bodies...)
}

func (f *fakeServer) config(primary, reads bool) ServerConfig {
	return ServerConfig{Domain: f.URL, APIKey: "key-" + f.URL, Primary: primary, SuppliesReads: reads}
}

func mustRegistry(t *testing.T, servers ...ServerConfig) *Registry {
	t.Helper()
	r, err := NewRegistry(servers)
	require.NoError(t, err)
	return r
}

var testIDs = newIDGenerator()

func persistMatch(t *testing.T, st *Store, m Match) PendingSubmission {
	t.Helper()
	codec, err := NewCodec(CompressionBrotli)
	require.NoError(t, err)
	body, err := codec.Encode(m)
	require.NoError(t, err)
	now := time.Now()
	rec := PendingSubmission{ID: testIDs.Make(now), Body: body, Keys: m.Keys(), CreatedAt: now}
	require.NoError(t, st.PutSubmission(rec))
	return rec
}

func newTestQueue(t *testing.T, st *Store, reg *Registry, cfg QueueConfig) *Queue {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	sender := NewSender(reg, http.DefaultClient, cfg.Timeout, cfg.Fanout, testLogger())
	q := NewQueue(cfg, st, sender, testLogger(), newStatsCollector())
	t.Cleanup(q.Close)
	return q
}

func waitResult(t *testing.T, ch <-chan DispatchResult) DispatchResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return DispatchResult{}
	}
}
