package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/edgeproxy/edgeproxy/internal/acme"
	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/challenge"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/discovery"
	"github.com/edgeproxy/edgeproxy/internal/engine"
	"github.com/edgeproxy/edgeproxy/internal/routebuilder"
	"github.com/edgeproxy/edgeproxy/internal/store"
	"github.com/edgeproxy/edgeproxy/internal/supervisor"
	"github.com/edgeproxy/edgeproxy/internal/tlsacceptor"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: edgeproxy -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:80/ping")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	configPath := flag.String("config", "", "path to the route document (overrides ROUTES_FILE)")
	flag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		cfg.RoutesFile = *configPath
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routesStore, err := loadRoutes(cfg)
	if err != nil {
		slog.Error("failed to load routes", "error", err)
		os.Exit(1)
	}

	sharedCache, err := newCache(cfg)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(3)
	}

	acmeStorage, err := newACMEStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize acme storage", "error", err)
		os.Exit(3)
	}

	certs := store.NewStore[store.Certificate]()
	challenges := store.NewChallengeStore()

	var acmeMgr *acme.Manager
	if cfg.ACMEEmail != "" {
		acmeMgr, err = acme.NewManager(cfg.ACMEDirectoryURL, cfg.ACMEEmail, acmeStorage, certs, challenges)
		if err != nil {
			slog.Error("failed to initialize acme manager", "error", err)
			os.Exit(3)
		}
	}

	runtimes := store.NewStore[*engine.RouteRuntime]()
	sup := supervisor.New(routesStore, runtimes, challenges, acmeMgr, sharedCache)

	if cfg.DockerDiscoveryEnabled {
		dc, err := discovery.New(cfg.DockerHost)
		if err != nil {
			slog.Warn("docker discovery disabled: failed to connect", "error", err)
		} else {
			sup.Docker = dc
		}
	}

	// The supervisor's ACME renewal loop issues a certificate for every
	// route on its first poll (NeedsRenewal is true for any host with no
	// certificate installed yet), so there is no separate "initial
	// issuance" pass to run here. Without an ACME manager at all, every
	// route gets a self-signed leaf up front since nothing else ever will.
	if acmeMgr == nil {
		installSelfSignedForAllRoutes(routesStore, certs)
	}

	go sup.Run(ctx)

	eng := engine.New(runtimes)
	acceptor := tlsacceptor.New(certs, routesStore)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: challenge.New(challenges),
	}

	h2s := &http2.Server{}
	httpsServer := &http.Server{
		Addr:      cfg.HTTPSAddr,
		Handler:   h2c.NewHandler(eng, h2s),
		TLSConfig: acceptor.Config(),
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	servers := []*http.Server{httpServer, httpsServer, metricsServer}
	errCh := make(chan error, len(servers))
	bindFailed := false

	go func() {
		slog.Info("starting plaintext listener", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()
	go func() {
		slog.Info("starting tls listener", "addr", cfg.HTTPSAddr)
		errCh <- httpsServer.ListenAndServeTLS("", "")
	}()
	go func() {
		slog.Info("starting metrics listener", "addr", cfg.MetricsAddr)
		errCh <- metricsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			bindFailed = true
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "addr", s.Addr, "error", err)
		}
	}
	slog.Info("shutdown complete")

	if bindFailed {
		os.Exit(2)
	}
}

func loadRoutes(cfg config.Config) (*store.Store[store.Route], error) {
	doc, err := config.LoadDocument(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}
	compiled, err := routebuilder.Build(doc, nil)
	if err != nil {
		return nil, err
	}
	s := store.NewStore[store.Route]()
	for host, route := range compiled {
		s.Insert(host, route)
	}
	return s, nil
}

func newCache(cfg config.Config) (cache.Store, error) {
	mem, err := cache.NewMemoryStore(cfg.CacheMemorySize)
	if err != nil {
		return nil, err
	}
	disk := cache.NewDiskStore(cfg.CacheRoot)
	return cache.NewTiered(mem, disk), nil
}

func newACMEStorage(ctx context.Context, cfg config.Config) (acme.Storage, error) {
	switch cfg.ACMEStorage {
	case "s3":
		return acme.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
	default:
		return acme.NewFSStorage(cfg.ACMEStorageRoot), nil
	}
}

func installSelfSignedForAllRoutes(routes *store.Store[store.Route], certs *store.Store[store.Certificate]) {
	for host := range routes.Iter() {
		cert, notAfter, err := acme.SelfSignedCert(host)
		if err != nil {
			slog.Error("failed to generate self-signed certificate", "host", host, "error", err)
			continue
		}
		certs.Insert(host, store.Certificate{Leaf: cert, NotAfter: notAfter, Ephemeral: true})
	}
}
