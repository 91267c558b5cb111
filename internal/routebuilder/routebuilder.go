// Package routebuilder compiles the declarative route document into the
// immutable Route snapshots served out of the route store: DNS
// resolution of backend names at build time, path prefix tree
// construction, and header mutation compilation.
package routebuilder

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/store"
)

// Resolver resolves a backend hostname to its dialable IP addresses.
// The default implementation wraps net.LookupHost; tests substitute a
// fake so the builder doesn't need a live network to be exercised.
type Resolver interface {
	LookupHost(host string) (addrs []string, err error)
}

type netResolver struct{}

func (netResolver) LookupHost(host string) ([]string, error) {
	return net.LookupHost(host)
}

// Build compiles doc into a host-keyed map of Route snapshots, resolving
// every backend address with resolver. A backend whose Address is
// already an IP is passed through unresolved.
func Build(doc *config.Document, resolver Resolver) (map[string]store.Route, error) {
	if resolver == nil {
		resolver = netResolver{}
	}

	out := make(map[string]store.Route, len(doc.Routes))
	for _, rd := range doc.Routes {
		route, err := buildRoute(rd, resolver)
		if err != nil {
			return nil, fmt.Errorf("routebuilder: host %q: %w", rd.Host, err)
		}
		out[rd.Host] = route
	}
	return out, nil
}

func buildRoute(rd config.RouteDoc, resolver Resolver) (store.Route, error) {
	backends, err := resolveBackends(rd.Backends, resolver)
	if err != nil {
		return store.Route{}, err
	}

	var matcher *store.PathMatcher
	if len(rd.PathPrefixes) > 0 {
		matcher = store.NewPathMatcher(rd.PathPrefixes)
	}

	return store.Route{
		Host:            rd.Host,
		PathMatcher:     matcher,
		Backends:        backends,
		HeaderMutations: compileHeaderMutations(rd.HeaderAdd, rd.HeaderRemove),
		Plugins:         compilePlugins(rd.Plugins),
		Cache:           compileCache(rd.Cache),
		TLS:             compileTLS(rd.TLS),
	}, nil
}

func resolveBackends(docs []config.BackendDoc, resolver Resolver) ([]store.Backend, error) {
	backends := make([]store.Backend, 0, len(docs))
	for _, b := range docs {
		addr := b.Address
		if net.ParseIP(addr) == nil {
			addrs, err := resolver.LookupHost(addr)
			if err != nil {
				return nil, fmt.Errorf("resolving backend %q: %w", addr, err)
			}
			if len(addrs) == 0 {
				return nil, fmt.Errorf("backend %q resolved to no addresses", addr)
			}
			addr = addrs[0]
		}

		sni := b.SNI
		if sni == "" {
			sni = b.Address
		}

		backends = append(backends, store.Backend{
			Address: addr,
			Port:    b.Port,
			Weight:  b.Weight,
			SNI:     sni,
			Headers: b.Headers,
		})
	}
	return backends, nil
}

func compileHeaderMutations(add map[string]string, remove []string) store.HeaderMutations {
	kvs := make([]store.HeaderKV, 0, len(add))
	for name, value := range add {
		kvs = append(kvs, store.HeaderKV{Name: name, Value: value})
	}
	return store.HeaderMutations{Add: kvs, Remove: remove}
}

func compilePlugins(docs []config.PluginDoc) []store.PluginConfig {
	plugins := make([]store.PluginConfig, 0, len(docs))
	for _, p := range docs {
		plugins = append(plugins, store.PluginConfig{Name: p.Name, Config: p.Config})
	}
	return plugins
}

func compileCache(c *config.CacheDoc) store.CachePolicy {
	if c == nil {
		return store.CachePolicy{}
	}
	return store.CachePolicy{
		Enabled:                  c.Enabled,
		Backend:                  c.Backend,
		FreshSecs:                c.FreshSecs,
		StaleIfErrorSecs:         c.StaleIfErrorSecs,
		StaleWhileRevalidateSecs: c.StaleWhileRevalidateSecs,
		RootPath:                 c.RootPath,
	}
}

func compileTLS(t *config.TLSDoc) store.TLSPolicy {
	if t == nil {
		return store.TLSPolicy{}
	}
	return store.TLSPolicy{
		MinProto:           parseTLSVersion(t.MinVersion),
		MaxProto:           parseTLSVersion(t.MaxVersion),
		SelfSignedFallback: t.SelfSignedFallback,
	}
}

func parseTLSVersion(v string) uint16 {
	switch v {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return 0
	}
}
