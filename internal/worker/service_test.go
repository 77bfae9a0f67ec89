package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoresquad/internal/cache"
	"shoresquad/internal/logger"
	"shoresquad/internal/queue"
)

func init() {
	logger.InitWithWriter(io.Discard, "ERROR", "text")
}

var errOffline = errors.New("network unreachable")

// testNetwork forwards to the real client unless switched offline or hung.
// Every request is recorded either way.
type testNetwork struct {
	client  *http.Client
	offline atomic.Bool
	hang    atomic.Bool // requests block until their context ends

	mu     sync.Mutex
	calls  []string
	before func(*http.Request) error
}

func (n *testNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	before := n.before
	n.mu.Unlock()
	if before != nil {
		if err := before(req); err != nil {
			return nil, err
		}
	}
	if n.offline.Load() {
		return nil, errOffline
	}
	if n.hang.Load() {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	return n.client.Do(req)
}

// Before installs f to run ahead of every request; an error from f fails
// the request.
func (n *testNetwork) Before(f func(*http.Request) error) {
	n.mu.Lock()
	n.before = f
	n.mu.Unlock()
}

func (n *testNetwork) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *testNetwork) Reset() {
	n.mu.Lock()
	n.calls = nil
	n.mu.Unlock()
}

// testOrigin is the application server: shell assets, a live API, and the
// cleanups collector.
type testOrigin struct {
	*httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	posts  [][]byte
	failAt map[int]int // POST number (1-based) -> status to answer with
	broken map[string]int

	events atomic.Int64
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}, failAt: map[int]int{}, broken: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.Method+" "+r.URL.Path]++
	status, isBroken := o.broken[r.URL.Path]
	o.mu.Unlock()

	if isBroken {
		http.Error(w, "broken", status)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/cleanups":
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.posts = append(o.posts, body)
		n := len(o.posts)
		fail := o.failAt[n]
		o.mu.Unlock()
		if fail != 0 {
			http.Error(w, "rejected", fail)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "accepted")
	case r.URL.Path == "/api/events":
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"events":%d}`, o.events.Add(1))
	case r.URL.Path == "/missing", strings.HasPrefix(r.URL.Path, "/api/gone"):
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "asset:"+r.URL.Path)
	}
}

func (o *testOrigin) Hits(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *testOrigin) Posts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.posts))
	for i, p := range o.posts {
		out[i] = string(p)
	}
	return out
}

func (o *testOrigin) Break(path string, status int) {
	o.mu.Lock()
	o.broken[path] = status
	o.mu.Unlock()
}

func (o *testOrigin) Repair(path string) {
	o.mu.Lock()
	delete(o.broken, path)
	o.mu.Unlock()
}

func (o *testOrigin) FailPost(n, status int) {
	o.mu.Lock()
	o.failAt[n] = status
	o.mu.Unlock()
}

type testEnv struct {
	svc     *Service
	origin  *testOrigin
	network *testNetwork
	caches  *cache.Storage
	queue   queue.Store
	handler http.Handler
}

func testConfig(t *testing.T, origin string, extra string) Config {
	t.Helper()
	dir := t.TempDir()
	raw := fmt.Sprintf(`
server:
  origin: %s
cache:
  path: %s
queue:
  path: %s
network:
  timeout: 2s
sync:
  probeInterval: "0"
%s`, origin, filepath.Join(dir, "cache"), filepath.Join(dir, "queue"), extra)
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	return newTestEnvWithOrigin(t, newTestOrigin(t), extra)
}

func newTestEnvWithOrigin(t *testing.T, o *testOrigin, extra string) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, o, testConfig(t, o.URL, extra))
}

// newTestEnvWithConfig opens a service on cfg's store paths. Calling it twice
// with the same cfg simulates a process restart.
func newTestEnvWithConfig(t *testing.T, o *testOrigin, cfg Config) *testEnv {
	t.Helper()
	caches, err := cache.Open(cfg.Cache.Path, 16)
	require.NoError(t, err)
	q, err := queue.OpenLevelDB(cfg.Queue.Path)
	require.NoError(t, err)

	network := &testNetwork{client: o.Client()}
	svc := newService(cfg, Deps{
		Caches:   caches,
		Queue:    q,
		Network:  network,
		Registry: prometheus.NewRegistry(),
	})
	t.Cleanup(svc.Close)

	return &testEnv{
		svc:     svc,
		origin:  o,
		network: network,
		caches:  caches,
		queue:   q,
		handler: svc.Handler(),
	}
}

// startedEnv returns an env whose worker has installed and activated.
func startedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, "")
	require.NoError(t, env.svc.Start(context.Background()))
	require.Equal(t, StateActivated, env.svc.State())
	env.network.Reset()
	return env
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestDispatchUnknownEvent(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.svc.Dispatch(context.Background(), Event{Kind: "message"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDispatchAfterClose(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.Close()

	_, err := env.svc.Dispatch(context.Background(), Event{Kind: EventPush})
	assert.ErrorIs(t, err, ErrClosed)

	rec := env.get(t, "/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCloseWaitsForInFlightEvents(t *testing.T) {
	env := startedEnv(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	env.svc.handlers["slow"] = func(ctx context.Context, ev Event) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = env.svc.Dispatch(context.Background(), Event{Kind: "slow"})
	}()
	<-entered
	go func() {
		env.svc.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while an event was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the event finished")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "parsed", StateParsed.String())
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewServiceOpensStores(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL, "")

	svc, err := NewService(cfg)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateActivated, svc.State())

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ControlPrefix+"/metrics", nil))
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
