package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/manifest"
)

var testAssets = []string{"./index.html", "./manifest.json", "./icons/icon-192x192.png"}

func TestInstallIsIdempotent(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()

	a := newTestAgent(t, origin, storage, "app-v1")
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	origin.setBody("/index.html", "index v2")

	b := newTestAgent(t, origin, storage, "app-v1")
	if err := b.Install(context.Background()); err != nil {
		t.Fatalf("second install error: %v", err)
	}
	if b.State() != StateInstalled {
		t.Fatalf("expected installed (waiting) state, got %s", b.State())
	}

	store, _ := storage.Open(context.Background(), "app-v1")
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != len(testAssets) {
		t.Fatalf("expected one entry per asset, got %v", keys)
	}
	got, err := store.Match(context.Background(), originKey(origin, "/index.html"))
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "index v2" {
		t.Fatalf("expected latest content, got %q", got.Body)
	}
}

func TestInstallFailsAsAWhole(t *testing.T) {
	origin := newOriginStub(t)
	origin.fail("/manifest.json")
	storage := cache.NewMemoryStorage()
	a := newTestAgent(t, origin, storage, "app-v1")

	err := a.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if a.State() != StateRedundant {
		t.Fatalf("failed install should leave the agent redundant, got %s", a.State())
	}
	store, _ := storage.Open(context.Background(), "app-v1")
	keys, _ := store.Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("no asset should be persisted after a failed install, got %v", keys)
	}
}

func TestInstallDoesNotSkipWaiting(t *testing.T) {
	origin := newOriginStub(t)
	a := newTestAgent(t, origin, cache.NewMemoryStorage(), "app-v1")
	host := &recordingHost{}
	a.Bind(host)
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if host.skips.Load() != 0 || host.claims.Load() != 0 {
		t.Fatalf("install must not call back into the host")
	}
}

func TestActivateEvictsEveryOtherStore(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []string{"app-v1", "other-v9"} {
		s, _ := storage.Open(ctx, name)
		_ = s.Put(ctx, originKey(origin, "/index.html"), &cache.Response{Status: 200, Body: []byte(name)})
	}

	a := newTestAgent(t, origin, storage, "app-v2")
	host := &recordingHost{}
	a.Bind(host)
	if err := a.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names, _ := storage.Names(ctx)
	if len(names) != 1 || names[0] != "app-v2" {
		t.Fatalf("expected only the current store, got %v", names)
	}
	if host.claims.Load() != 1 {
		t.Fatalf("activation should claim clients once, got %d", host.claims.Load())
	}
	if a.State() != StateActivated {
		t.Fatalf("expected activated, got %s", a.State())
	}
}

func TestActivateClaimsOnlyAfterEviction(t *testing.T) {
	origin := newOriginStub(t)
	base := cache.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []string{"app-v0", "app-v1"} {
		_, _ = base.Open(ctx, name)
	}
	storage := &flakyStorage{Storage: base, slowDelete: 50 * time.Millisecond}

	a := newTestAgent(t, origin, storage, "app-v2")
	host := &claimSnapshotHost{storage: base}
	a.Bind(host)
	if err := a.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.seen) != 1 {
		t.Fatalf("expected exactly one claim, got %d", len(host.seen))
	}
	if got := host.seen[0]; len(got) != 1 || got[0] != "app-v2" {
		t.Fatalf("clients claimed before stale stores were gone: %v", got)
	}
}

func TestActivateToleratesEvictionFailure(t *testing.T) {
	origin := newOriginStub(t)
	base := cache.NewMemoryStorage()
	ctx := context.Background()
	_, _ = base.Open(ctx, "app-v1")
	_, _ = base.Open(ctx, "app-v0")
	storage := &flakyStorage{Storage: base, failDelete: "app-v1"}

	a := newTestAgent(t, origin, storage, "app-v2")
	host := &recordingHost{}
	a.Bind(host)
	if err := a.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("eviction failures must not fail activation: %v", err)
	}
	if host.claims.Load() != 1 {
		t.Fatalf("clients should still be claimed")
	}
	names, _ := base.Names(ctx)
	if strings.Join(names, ",") != "app-v1,app-v2" {
		t.Fatalf("expected the failed store to linger, got %v", names)
	}
}

func TestHandleFetchServesCacheWithoutNetwork(t *testing.T) {
	origin := newOriginStub(t)
	a := installedAgent(t, origin, cache.NewMemoryStorage())
	before := origin.hits("/index.html")

	resp, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/index.html"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	body := readBody(t, resp)
	if body != "content of /index.html" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get(SourceHeader) != SourceCache {
		t.Fatalf("expected cache source, got %q", resp.Header.Get(SourceHeader))
	}
	if origin.hits("/index.html") != before {
		t.Fatalf("cache hit must not touch the network")
	}
}

func TestHandleFetchWritesBackOnMiss(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()
	a := installedAgent(t, origin, storage)

	resp, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/app.js?v=3"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Header.Get(SourceHeader) != SourceNetwork {
		t.Fatalf("expected network source on miss")
	}
	body := readBody(t, resp)

	store, _ := storage.Open(context.Background(), "app-v1")
	stored, err := store.Match(context.Background(), originKey(origin, "/app.js?v=3"))
	if err != nil {
		t.Fatalf("expected write-back, got %v", err)
	}
	if string(stored.Body) != body {
		t.Fatalf("stored %q, returned %q", stored.Body, body)
	}
	if stored.Header.Get(SourceHeader) != "" {
		t.Fatalf("source marker must not be persisted")
	}

	resp2, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/app.js?v=3"))
	if err != nil {
		t.Fatalf("second fetch error: %v", err)
	}
	resp2.Body.Close()
	if origin.hits("/app.js") != 1 {
		t.Fatalf("expected a single network fetch, got %d", origin.hits("/app.js"))
	}
}

func TestHandleFetchRespectsExclusion(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()
	a := installedAgent(t, origin, storage)

	for i := 0; i < 2; i++ {
		resp, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/vendor/d3.min.js"))
		if err != nil {
			t.Fatalf("fetch error: %v", err)
		}
		if body := readBody(t, resp); body != "content of /vendor/d3.min.js" {
			t.Fatalf("excluded response should be returned as-is, got %q", body)
		}
	}
	store, _ := storage.Open(context.Background(), "app-v1")
	if _, err := store.Match(context.Background(), originKey(origin, "/vendor/d3.min.js")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("excluded response must not be stored, got %v", err)
	}
	if origin.hits("/vendor/d3.min.js") != 2 {
		t.Fatalf("excluded resource should always hit the network")
	}
}

func TestHandleFetchIgnoresNonGet(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()
	a := installedAgent(t, origin, storage)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		_, err := a.HandleFetch(originRequest(t, origin, method, "/index.html"))
		if !errors.Is(err, ErrNotHandled) {
			t.Fatalf("%s: expected ErrNotHandled, got %v", method, err)
		}
	}
	if origin.hits("/index.html") != 1 {
		t.Fatalf("non-GET requests must not reach the network through the agent")
	}
}

func TestHandleFetchPropagatesNetworkFailure(t *testing.T) {
	origin := newOriginStub(t)
	storage := cache.NewMemoryStorage()
	a := installedAgent(t, origin, storage)
	a.network = failingNetwork{}

	_, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/not-cached.css"))
	if err == nil {
		t.Fatalf("expected the network failure to propagate")
	}
}

func TestHandleFetchDeliversWhenStoreWriteFails(t *testing.T) {
	origin := newOriginStub(t)
	storage := &flakyStorage{Storage: cache.NewMemoryStorage(), failPut: true}
	a := newTestAgent(t, origin, storage, "app-v1")

	resp, err := a.HandleFetch(originRequest(t, origin, http.MethodGet, "/late.css"))
	if err != nil {
		t.Fatalf("store write failure must not fail the fetch: %v", err)
	}
	if body := readBody(t, resp); body != "content of /late.css" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestReceiveMessage(t *testing.T) {
	origin := newOriginStub(t)
	a := newTestAgent(t, origin, cache.NewMemoryStorage(), "app-v1")
	host := &recordingHost{}
	a.Bind(host)

	for _, raw := range []string{`{"action":"reload"}`, `not json`, `{"foo":1}`, `{"action":1}`, `[]`} {
		a.ReceiveMessage(context.Background(), []byte(raw))
	}
	if host.skips.Load() != 0 {
		t.Fatalf("unrecognized messages must be ignored")
	}

	a.ReceiveMessage(context.Background(), []byte(`{"action":"skipWaiting"}`))
	if host.skips.Load() != 1 {
		t.Fatalf("skipWaiting should reach the host once, got %d", host.skips.Load())
	}
}

func TestExclusionPolicy(t *testing.T) {
	p := NewExclusionPolicy("firebase", " ", "d3")
	if len(p.Markers()) != 2 {
		t.Fatalf("blank markers should be dropped, got %v", p.Markers())
	}
	if !p.Excludes("https://www.gstatic.com/firebasejs/9.0.0/firebase-app.js") {
		t.Fatalf("firebase script should be excluded")
	}
	if p.Excludes("https://app.example.com/index.html") {
		t.Fatalf("own assets must not be excluded")
	}
}

// --- helpers ---

type originStub struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	failed map[string]bool
	counts map[string]int
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		bodies: map[string]string{},
		failed: map[string]bool{},
		counts: map[string]int{},
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.counts[r.URL.Path]++
		failed := stub.failed[r.URL.Path]
		body, ok := stub.bodies[r.URL.Path]
		stub.mu.Unlock()

		if failed {
			http.NotFound(w, r)
			return
		}
		if !ok {
			body = "content of " + r.URL.Path
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) setBody(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[path] = body
}

func (s *originStub) fail(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[path] = true
}

func (s *originStub) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[path]
}

func newTestAgent(t *testing.T, origin *originStub, storage cache.Storage, id string) *Agent {
	t.Helper()
	base, err := url.Parse(origin.URL + "/")
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a, err := New(Options{
		ID:        manifest.Identifier(id),
		Assets:    testAssets,
		Exclusion: NewExclusionPolicy("firebase", "d3"),
		BaseURL:   base,
		Storage:   storage,
		Network:   origin.Client(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func installedAgent(t *testing.T, origin *originStub, storage cache.Storage) *Agent {
	t.Helper()
	a := newTestAgent(t, origin, storage, "app-v1")
	a.Bind(&recordingHost{})
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	return a
}

func originRequest(t *testing.T, origin *originStub, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, origin.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func originKey(origin *originStub, path string) cache.Key {
	u, _ := url.Parse(origin.URL + path)
	return cache.KeyForURL(u)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

type recordingHost struct {
	skips  atomic.Int32
	claims atomic.Int32
}

func (h *recordingHost) SkipWaiting(ctx context.Context)  { h.skips.Add(1) }
func (h *recordingHost) ClaimClients(ctx context.Context) { h.claims.Add(1) }

// claimSnapshotHost 在 ClaimClients 时记录当时仍存在的 store。
type claimSnapshotHost struct {
	storage cache.Storage
	mu      sync.Mutex
	seen    [][]string
}

func (h *claimSnapshotHost) SkipWaiting(ctx context.Context) {}

func (h *claimSnapshotHost) ClaimClients(ctx context.Context) {
	names, _ := h.storage.Names(ctx)
	h.mu.Lock()
	h.seen = append(h.seen, names)
	h.mu.Unlock()
}

type failingNetwork struct{}

func (failingNetwork) Do(req *http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("dial %s: connection refused", req.URL.Host)
}

// flakyStorage injects failures into an otherwise working Storage.
type flakyStorage struct {
	cache.Storage
	failDelete string
	failPut    bool
	slowDelete time.Duration
}

func (f *flakyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := f.Storage.Open(ctx, name)
	if err != nil || !f.failPut {
		return store, err
	}
	return flakyStore{Store: store}, nil
}

func (f *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == f.failDelete {
		return false, errors.New("disk busy")
	}
	if f.slowDelete > 0 {
		time.Sleep(f.slowDelete)
	}
	return f.Storage.Delete(ctx, name)
}

type flakyStore struct {
	cache.Store
}

func (flakyStore) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	return errors.New("quota exceeded")
}
