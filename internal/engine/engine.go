// Package engine implements the per-request lifecycle: vhost and path
// routing, the five-phase plugin pipeline, cache lookups with
// stale-while-revalidate/stale-if-error freshness handling, upstream
// selection, and response streaming.
package engine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/accesslog"
	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/lb"
	"github.com/edgeproxy/edgeproxy/internal/plugin"
	"github.com/edgeproxy/edgeproxy/internal/store"
)

// cacheStatusHeader and cacheDurationHeader are the two response headers
// the engine adds whenever a route has caching enabled: one of the four
// Status tokens, and the elapsed time since the request started, in
// milliseconds.
const (
	cacheStatusHeader   = "cache-status"
	cacheDurationHeader = "cache-duration"
)

// setCacheHeaders stamps the cache-status/cache-duration pair on w. A
// zero status is a no-op, so these headers only appear when cache was
// enabled on the matched route.
func setCacheHeaders(w http.ResponseWriter, status cache.Status, start time.Time) {
	if status == "" {
		return
	}
	w.Header().Set(cacheStatusHeader, string(status))
	w.Header().Set(cacheDurationHeader, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
}

// RouteRuntime bundles a published Route snapshot with the runtime state
// derived from it: a balancer over its backends, its compiled plugin
// pipeline, and (when caching is enabled) a cache store and its
// coalescing lock. The background supervisor rebuilds a route's
// RouteRuntime whenever the underlying Route changes.
type RouteRuntime struct {
	Route    store.Route
	Balancer *lb.Balancer
	Pipeline *plugin.Pipeline
	Cache    cache.Store // nil if this route does not cache
	Lock     *cache.Lock
}

// Engine dispatches incoming requests to the right RouteRuntime and
// drives it through routing, plugins, caching, and upstream fetch.
type Engine struct {
	Runtimes *store.Store[*RouteRuntime]
	Upstream *UpstreamClient
}

// New returns an Engine backed by runtimes.
func New(runtimes *store.Store[*RouteRuntime]) *Engine {
	return &Engine{Runtimes: runtimes, Upstream: NewUpstreamClient()}
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Host == "" && r.ProtoMajor == 1 {
		http.Error(w, "missing Host header", http.StatusBadRequest)
		return
	}
	host := hostOnly(r.Host)

	runtime, ok := e.Runtimes.Lookup(host)
	if !ok {
		http.Error(w, "no route for host", http.StatusNotFound)
		return
	}
	if runtime.Route.PathMatcher != nil && !runtime.Route.PathMatcher.Match(r.URL.Path) {
		http.Error(w, "no route for path", http.StatusNotFound)
		return
	}

	pctx := &plugin.Context{Request: r, Vars: map[string]any{}}

	if runtime.Pipeline.RunRequestFilter(pctx, w) == plugin.ActionRespond {
		e.logAndFinish(runtime, pctx, w, r, start, "")
		return
	}

	cacheStatus := e.serve(runtime, pctx, w, r, start)
	e.logAndFinish(runtime, pctx, w, r, start, cacheStatus)
}

func (e *Engine) logAndFinish(runtime *RouteRuntime, pctx *plugin.Context, w http.ResponseWriter, r *http.Request, start time.Time, cacheStatus string) {
	runtime.Pipeline.RunLogging(pctx)
	accesslog.Log(accesslog.Entry{
		Method:      r.Method,
		Host:        r.Host,
		Path:        r.URL.Path,
		Status:      pctx.StatusCode,
		Duration:    time.Since(start),
		CacheStatus: cacheStatus,
		RequestID:   plugin.RequestIDFromContext(pctx),
	})
}

func (e *Engine) serve(runtime *RouteRuntime, pctx *plugin.Context, w http.ResponseWriter, r *http.Request, start time.Time) string {
	if !runtime.Route.Cache.Enabled || runtime.Cache == nil {
		e.fetchAndStream(runtime, pctx, w, r, nil, "", start)
		return ""
	}
	if !isCacheable(runtime, r) {
		e.fetchAndStream(runtime, pctx, w, r, nil, cache.StatusMiss, start)
		return string(cache.StatusMiss)
	}

	fp := cache.NewFingerprint(runtime.Route.Host, r.URL.RequestURI())

	res, err := runtime.Cache.Lookup(fp)
	if err != nil {
		e.fetchAndStreamCoalesced(runtime, pctx, w, r, fp, cache.StatusMiss, start)
		return string(cache.StatusMiss)
	}
	defer res.Body.Close()

	decision := decideFreshness(res.Meta, time.Now())
	switch decision {
	case decisionFresh:
		writeCachedResponse(runtime, w, pctx, res, cache.StatusHit, start)
		return string(cache.StatusHit)
	case decisionStaleWhileRevalidate:
		writeCachedResponse(runtime, w, pctx, res, cache.StatusStale, start)
		go e.revalidateInBackground(runtime, r, fp)
		return string(cache.StatusStale)
	default:
		// stale-if-error or fully expired: attempt a fresh fetch, falling
		// back to the stale copy only if that fetch fails and the policy
		// still covers stale-if-error at this age.
		if e.fetchAndStreamCoalescedFallback(runtime, pctx, w, r, fp, res, decision == decisionStaleIfError, start) {
			return string(cache.StatusStale)
		}
		return string(cache.StatusExpired)
	}
}

func isCacheable(runtime *RouteRuntime, r *http.Request) bool {
	if !runtime.Route.Cache.Enabled || runtime.Cache == nil {
		return false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	if r.ContentLength > 0 {
		return false
	}
	return len(r.URL.RequestURI()) <= cache.MaxFingerprintLen
}

// writeCachedResponse serves a cache hit to w, still running the
// response_filter phase: it applies on every cache-serving path, not
// only the upstream-fetch one.
func writeCachedResponse(runtime *RouteRuntime, w http.ResponseWriter, pctx *plugin.Context, res *cache.GetResult, status cache.Status, start time.Time) {
	for k, vs := range res.Meta.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w, status, start)
	runtime.Pipeline.RunResponseFilter(pctx, w)

	code := res.Meta.Status
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	pctx.StatusCode = code
	io.Copy(w, res.Body)
}

// fetchAndStream fetches from upstream and streams the response to w.
// When mh is non-nil, a response with a status below 400 is also teed
// into mh and finalized; mh is aborted on every other outcome, including
// a failed copy. A connect failure is retried against up to N-1 other healthy backends
// before giving up with 502; an empty healthy set is reported as 503
// without attempting a connect at all.
func (e *Engine) fetchAndStream(runtime *RouteRuntime, pctx *plugin.Context, w http.ResponseWriter, r *http.Request, mh cache.MissHandle, status cache.Status, start time.Time) {
	outreq := r.Clone(r.Context())
	stripHopByHop(outreq.Header)
	applyHeaderMutations(outreq.Header, runtime.Route.HeaderMutations)
	outreq.Header.Set("X-Forwarded-Host", r.Host)
	outreq.Header.Set("X-Forwarded-Proto", schemeOf(r))
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		outreq.Header.Set("X-Forwarded-For", ip)
	}

	if runtime.Balancer.Size() == 0 {
		http.Error(w, "no healthy backend", http.StatusServiceUnavailable)
		pctx.StatusCode = http.StatusServiceUnavailable
		if mh != nil {
			mh.Abort()
		}
		return
	}

	runtime.Pipeline.RunUpstreamRequestFilter(pctx, outreq)

	var (
		resp  *http.Response
		tried int
	)
	for attempts := runtime.Balancer.Size(); attempts > 0; attempts-- {
		cand, err := runtime.Balancer.Pick()
		if err != nil {
			if tried == 0 {
				http.Error(w, "no healthy backend", http.StatusServiceUnavailable)
				pctx.StatusCode = http.StatusServiceUnavailable
				if mh != nil {
					mh.Abort()
				}
				return
			}
			break
		}
		tried++
		upstreamResp, derr := e.Upstream.Do(outreq, cand)
		if derr != nil {
			slog.Warn("engine: upstream connect failed", "host", runtime.Route.Host, "backend", cand.HostPort(), "error", derr)
			continue
		}
		resp = upstreamResp
		break
	}
	if resp == nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		pctx.StatusCode = http.StatusBadGateway
		if mh != nil {
			mh.Abort()
		}
		return
	}
	defer resp.Body.Close()

	pctx.Response = resp
	runtime.Pipeline.RunUpstreamResponseFilter(pctx, resp)

	stripHopByHop(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w, status, start)

	runtime.Pipeline.RunResponseFilter(pctx, w)

	w.WriteHeader(resp.StatusCode)
	pctx.StatusCode = resp.StatusCode

	if mh == nil || resp.StatusCode >= 400 {
		io.Copy(w, resp.Body)
		if mh != nil {
			mh.Abort()
		}
		return
	}

	admitted, err := teeToCache(w, resp.Body, mh)
	if err != nil {
		slog.Warn("engine: client stream copy failed", "host", runtime.Route.Host, "error", err)
	}
	if !admitted || err != nil {
		mh.Abort()
		return
	}
	if err := mh.Finalize(); err != nil {
		slog.Warn("engine: cache admission failed", "host", runtime.Route.Host, "error", err)
	}
}

// fetchAndStreamCoalesced is the cache-miss path: only one concurrent
// request per fingerprint actually calls upstream; the rest wait on the
// same Lock key. Because the response must be streamed live to
// whichever caller's fn actually runs, only that caller (the leader) gets
// a live stream; a waiter's own closure never runs at all, so once Do
// returns it reads the entry the leader just admitted and serves that
// instead of hitting upstream itself.
func (e *Engine) fetchAndStreamCoalesced(runtime *RouteRuntime, pctx *plugin.Context, w http.ResponseWriter, r *http.Request, fp cache.Fingerprint, status cache.Status, start time.Time) {
	wasLeader := false

	_, lockErr := runtime.Lock.Do(r.Context(), fp.String(), func() (any, error) {
		wasLeader = true
		mh, err := runtime.Cache.Admit(fp, cache.Meta{
			Status:                   http.StatusOK,
			CreatedAt:                time.Now(),
			FreshSecs:                runtime.Route.Cache.FreshSecs,
			StaleWhileRevalidateSecs: runtime.Route.Cache.StaleWhileRevalidateSecs,
			StaleIfErrorSecs:         runtime.Route.Cache.StaleIfErrorSecs,
			Header:                   http.Header{},
		})
		if err != nil {
			e.fetchAndStream(runtime, pctx, w, r, nil, status, start)
			return nil, nil
		}
		e.fetchAndStream(runtime, pctx, w, r, mh, status, start)
		return nil, nil
	})

	if wasLeader {
		return
	}

	// A waiter that gave up before the leader finished (timeout or its own
	// request context canceled) proceeds uncached rather than blocking or
	// erroring; the leader keeps running for anyone still waiting.
	if lockErr != nil {
		e.fetchAndStream(runtime, pctx, w, r, nil, status, start)
		return
	}

	if res, err := runtime.Cache.Lookup(fp); err == nil {
		defer res.Body.Close()
		writeCachedResponse(runtime, w, pctx, res, cache.StatusHit, start)
		return
	}
	e.fetchAndStream(runtime, pctx, w, r, nil, status, start)
}

// fetchAndStreamCoalescedFallback attempts a fresh fetch; on failure it
// falls back to serving the already-read stale GetResult when
// allowStale is true (stale-if-error window). Returns true if the stale
// copy was served.
func (e *Engine) fetchAndStreamCoalescedFallback(runtime *RouteRuntime, pctx *plugin.Context, w http.ResponseWriter, r *http.Request, fp cache.Fingerprint, stale *cache.GetResult, allowStale bool, start time.Time) bool {
	rec := &captureWriter{header: http.Header{}}
	e.fetchAndStreamCoalesced(runtime, pctx, rec, r, fp, cache.StatusExpired, start)

	if rec.status >= 200 && rec.status < 500 {
		for k, vs := range rec.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rec.status)
		w.Write(rec.body)
		return false
	}

	if !allowStale {
		http.Error(w, "upstream error and no stale copy available", http.StatusBadGateway)
		pctx.StatusCode = http.StatusBadGateway
		return false
	}

	writeCachedResponse(runtime, w, pctx, stale, cache.StatusStale, start)
	return true
}

func (e *Engine) revalidateInBackground(runtime *RouteRuntime, r *http.Request, fp cache.Fingerprint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := r.Clone(ctx)
	rec := &captureWriter{header: http.Header{}}
	pctx := &plugin.Context{Request: req, Vars: map[string]any{}}
	e.fetchAndStreamCoalesced(runtime, pctx, rec, req, fp, cache.StatusMiss, time.Now())
}

func applyHeaderMutations(h http.Header, m store.HeaderMutations) {
	for _, name := range m.Remove {
		h.Del(name)
	}
	for _, kv := range m.Add {
		h.Add(kv.Name, kv.Value)
	}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// captureWriter is a minimal in-memory http.ResponseWriter used to run
// the coalesced fetch path for a background revalidation or a
// stale-if-error retry without a real client connection to write to.
type captureWriter struct {
	header http.Header
	status int
	body   []byte
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body = append(c.body, p...)
	return len(p), nil
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
}
