// Package supervisor launches and restarts the proxy's background loops:
// per-backend health checkers, the ACME renewal loop, the challenge
// sweep, and optional Docker discovery polling. It owns the single
// shutdown signal every loop selects on.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/acme"
	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/discovery"
	"github.com/edgeproxy/edgeproxy/internal/engine"
	"github.com/edgeproxy/edgeproxy/internal/health"
	"github.com/edgeproxy/edgeproxy/internal/lb"
	"github.com/edgeproxy/edgeproxy/internal/plugin"
	"github.com/edgeproxy/edgeproxy/internal/store"
)

// Supervisor wires the route store to its derived runtime state and
// keeps the background loops (health, ACME renewal, discovery) running
// for as long as its context is alive.
type Supervisor struct {
	Routes     *store.Store[store.Route]
	Runtimes   *store.Store[*engine.RouteRuntime]
	Challenges *store.ChallengeStore
	ACME       *acme.Manager
	Docker     *discovery.Docker

	// Cache and Lock are shared across every caching-enabled route. A
	// single process-wide tiered store is simpler to reason about than
	// one per route and matches how the memory tier's capacity is
	// actually provisioned (one bounded LRU, not N of them).
	Cache cache.Store
	Lock  *cache.Lock

	DiscoveryInterval time.Duration
	RenewalInterval   time.Duration
	SweepInterval     time.Duration

	checkers map[string]*health.Checker
}

// New returns a Supervisor with its loop intervals defaulted.
func New(routes *store.Store[store.Route], runtimes *store.Store[*engine.RouteRuntime], challenges *store.ChallengeStore, acmeMgr *acme.Manager, sharedCache cache.Store) *Supervisor {
	return &Supervisor{
		Routes:            routes,
		Runtimes:          runtimes,
		Challenges:        challenges,
		ACME:              acmeMgr,
		Cache:             sharedCache,
		Lock:              cache.NewLock(cache.DefaultWaitTimeout),
		DiscoveryInterval: 15 * time.Second,
		RenewalInterval:   84600 * time.Second,
		SweepInterval:     time.Minute,
		checkers:          make(map[string]*health.Checker),
	}
}

// Run blocks until ctx is canceled, launching every background loop and
// rebuilding RouteRuntimes to match the current Routes snapshot.
func (s *Supervisor) Run(ctx context.Context) {
	s.rebuildRuntimes(ctx)

	go s.runChallengeSweep(ctx)
	go s.runACMERenewal(ctx)
	if s.Docker != nil {
		go s.runDiscovery(ctx)
	}

	<-ctx.Done()
	slog.Info("supervisor: shutting down background loops")
}

// rebuildRuntimes builds one RouteRuntime per published Route and
// launches a health.Checker goroutine for every backend that doesn't
// already have one running. Existing checkers for backends that have
// disappeared are left running harmlessly until ctx cancels; route
// membership changes are rare enough that this is not worth the
// bookkeeping to tear them down individually.
func (s *Supervisor) rebuildRuntimes(ctx context.Context) {
	for host, route := range s.Routes.Iter() {
		healthSrc := &checkerSet{checkers: s.checkers}

		for _, b := range route.Backends {
			addr := b.HostPort()
			if _, ok := s.checkers[addr]; ok {
				continue
			}
			checker := health.NewChecker(addr, health.DefaultConfig())
			s.checkers[addr] = checker
			go checker.Run(ctx)
		}

		runtime := &engine.RouteRuntime{
			Route:    route,
			Balancer: lb.New(route.Backends, healthSrc),
			Pipeline: buildPipeline(route),
		}
		if route.Cache.Enabled {
			runtime.Cache = s.Cache
			runtime.Lock = s.Lock
		}
		s.Runtimes.Insert(host, runtime)
	}
}

func buildPipeline(route store.Route) *plugin.Pipeline {
	plugins := []plugin.Plugin{plugin.NewRequestIDPlugin()}
	// Named plugins from route.Plugins are not resolved here; only the
	// request-id plugin is attached, and it runs regardless of whether it
	// was explicitly configured.
	return plugin.New(plugins...)
}

type checkerSet struct {
	checkers map[string]*health.Checker
}

func (c *checkerSet) Healthy(addr string) bool {
	checker, ok := c.checkers[addr]
	if !ok {
		return true
	}
	return checker.Healthy()
}

func (s *Supervisor) runChallengeSweep(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Challenges.Sweep()
		}
	}
}

func (s *Supervisor) runACMERenewal(ctx context.Context) {
	if s.ACME == nil {
		return
	}
	ticker := time.NewTicker(s.RenewalInterval)
	defer ticker.Stop()

	s.renewDueHosts(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewDueHosts(ctx)
		}
	}
}

func (s *Supervisor) renewDueHosts(ctx context.Context) {
	for host, route := range s.Routes.Iter() {
		if !s.ACME.NeedsRenewal(host) {
			continue
		}
		if err := s.ACME.Obtain(ctx, host, route.TLS.SelfSignedFallback); err != nil {
			slog.Warn("supervisor: acme renewal failed", "host", host, "error", err)
		}
	}
}

func (s *Supervisor) runDiscovery(ctx context.Context) {
	ticker := time.NewTicker(s.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			routes, err := s.Docker.Discover(ctx)
			if err != nil {
				slog.Warn("supervisor: docker discovery failed", "error", err)
				continue
			}
			for host, route := range routes {
				s.Routes.Insert(host, route)
			}
			s.rebuildRuntimes(ctx)
		}
	}
}
