package engine

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/lb"
	"github.com/edgeproxy/edgeproxy/internal/plugin"
	"github.com/edgeproxy/edgeproxy/internal/store"
)

func backendFor(t *testing.T, body string) store.Backend {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(upstream.Close)

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting upstream host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return store.Backend{Address: host, Port: port, Weight: 1}
}

func newRuntime(t *testing.T, host string, body string, cacheEnabled bool) *RouteRuntime {
	backend := backendFor(t, body)
	route := store.Route{
		Host:     host,
		Backends: []store.Backend{backend},
		Cache:    store.CachePolicy{Enabled: cacheEnabled, FreshSecs: 60},
	}
	var cs cache.Store
	if cacheEnabled {
		mem, _ := cache.NewMemoryStore(16)
		disk := cache.NewDiskStore(t.TempDir())
		cs = cache.NewTiered(mem, disk)
	}
	return &RouteRuntime{
		Route:    route,
		Balancer: lb.New(route.Backends, nil),
		Pipeline: plugin.New(plugin.NewRequestIDPlugin()),
		Cache:    cs,
		Lock:     cache.NewLock(time.Second),
	}
}

func TestEngineUnknownHost(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unknown.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestEnginePassthroughNoCaching(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	runtimes.Insert("a.test", newRuntime(t, "a.test", "hello", false))
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("got body %q", rec.Body.String())
	}
}

func TestEngineMissingHostRejected(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	req.ProtoMajor = 1
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestEngineNoHealthyBackendIsUnavailable(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	route := store.Route{Host: "a.test", Backends: nil}
	runtimes.Insert("a.test", &RouteRuntime{
		Route:    route,
		Balancer: lb.New(nil, nil),
		Pipeline: plugin.New(plugin.NewRequestIDPlugin()),
	})
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rec.Code)
	}
}

func TestEngineCacheMissThenHit(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	rt := newRuntime(t, "a.test", "cached-body", true)
	runtimes.Insert("a.test", rt)
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/thing", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "cached-body" {
		t.Fatalf("got (%d, %q)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("cache-status"); got != "miss" {
		t.Fatalf("got cache-status %q, want miss", got)
	}
	if rec.Header().Get("cache-duration") == "" {
		t.Fatal("expected cache-duration header on first request")
	}

	fp := cache.NewFingerprint("a.test", "/thing")
	res, err := rt.Cache.Lookup(fp)
	if err != nil {
		t.Fatalf("expected cache populated after miss, got %v", err)
	}
	res.Body.Close()

	req2 := httptest.NewRequest(http.MethodGet, "/thing", nil)
	req2.Host = "a.test"
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	if rec2.Body.String() != "cached-body" {
		t.Fatalf("got %q on second request", rec2.Body.String())
	}
	if got := rec2.Header().Get("cache-status"); got != "hit" {
		t.Fatalf("got cache-status %q, want hit", got)
	}
}

func TestEngineNoCacheHeaderWhenCachingDisabled(t *testing.T) {
	runtimes := store.NewStore[*RouteRuntime]()
	runtimes.Insert("a.test", newRuntime(t, "a.test", "hello", false))
	e := New(runtimes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("cache-status"); got != "" {
		t.Fatalf("got cache-status %q, want absent when caching disabled", got)
	}
}

// TestEngineLockTimeoutFallsBackUncached drives a waiter past its lock
// wait timeout while the leader is still fetching, and asserts the
// waiter falls through to its own uncached upstream fetch instead of
// erroring with a hardcoded 502.
func TestEngineLockTimeoutFallsBackUncached(t *testing.T) {
	release := make(chan struct{})
	var hits int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		fmt.Fprint(w, "slow-body")
	}))
	t.Cleanup(upstream.Close)

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting upstream host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	backend := store.Backend{Address: host, Port: port, Weight: 1}

	route := store.Route{
		Host:     "a.test",
		Backends: []store.Backend{backend},
		Cache:    store.CachePolicy{Enabled: true, FreshSecs: 60},
	}
	mem, _ := cache.NewMemoryStore(16)
	disk := cache.NewDiskStore(t.TempDir())
	rt := &RouteRuntime{
		Route:    route,
		Balancer: lb.New(route.Backends, nil),
		Pipeline: plugin.New(plugin.NewRequestIDPlugin()),
		Cache:    cache.NewTiered(mem, disk),
		Lock:     cache.NewLock(20 * time.Millisecond),
	}

	runtimes := store.NewStore[*RouteRuntime]()
	runtimes.Insert("a.test", rt)
	e := New(runtimes)

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		req := httptest.NewRequest(http.MethodGet, "/thing", nil)
		req.Host = "a.test"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}()

	// Give the leader time to become the in-flight singleflight caller
	// before the waiter joins, but well short of releasing the upstream.
	time.Sleep(5 * time.Millisecond)

	waiterDone := make(chan struct{})
	var rec2 *httptest.ResponseRecorder
	go func() {
		defer close(waiterDone)
		req2 := httptest.NewRequest(http.MethodGet, "/thing", nil)
		req2.Host = "a.test"
		rec2 = httptest.NewRecorder()
		e.ServeHTTP(rec2, req2)
	}()

	// Let the waiter's lock wait (20ms) time out and fall through to its
	// own uncached fetch, which blocks on the same upstream handler, before
	// releasing both in-flight requests.
	time.Sleep(60 * time.Millisecond)
	close(release)

	<-leaderDone
	<-waiterDone

	if rec2.Code != http.StatusOK || rec2.Body.String() != "slow-body" {
		t.Fatalf("waiter got (%d, %q), want (200, slow-body)", rec2.Code, rec2.Body.String())
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("got %d upstream hits, want 2 (leader + uncached waiter fallback)", got)
	}
}
