// Package store implements the concurrently-readable host-keyed maps that
// back the route, certificate, and challenge stores.
package store

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Backend is one upstream socket a route can dispatch to.
type Backend struct {
	Address string
	Port    int
	Weight  int // >=1
	SNI     string
	Headers map[string]string // per-backend header additions
}

// HostPort renders the dial/health-check address for a backend, the
// canonical key used by both the health checker and the load balancer to
// refer to the same socket.
func (b Backend) HostPort() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// HeaderMutations describes the add/remove header edits applied to a phase.
// Remove is applied before Add, and repeated Add entries for the same name
// yield a multi-valued header.
type HeaderMutations struct {
	Add    []HeaderKV
	Remove []string
}

// HeaderKV is a single header name/value pair.
type HeaderKV struct {
	Name  string
	Value string
}

// CachePolicy is the per-route cache configuration.
type CachePolicy struct {
	Enabled                 bool
	Backend                 string // "memory" or "disk"
	FreshSecs               int
	StaleIfErrorSecs        int
	StaleWhileRevalidateSecs int
	RootPath                string
}

// TLSPolicy bounds the protocol versions offered on a route's host and
// whether a self-signed certificate may stand in when ACME fails.
type TLSPolicy struct {
	MinProto          uint16
	MaxProto          uint16
	SelfSignedFallback bool
	ExplicitCert      *tls.Certificate
}

// PluginConfig is a single ordered plugin binding on a route. Config is
// left as a raw semi-structured value — the engine never interprets it,
// only the named plugin implementation does.
type PluginConfig struct {
	Name   string
	Config map[string]any
}

// Route is the immutable, by-value snapshot stored per host. Once
// published into the Routes store, a Route value is never mutated in
// place — route changes publish a brand-new Route and swap the map
// entry, so any reference an in-flight request holds stays valid for its
// lifetime.
type Route struct {
	Host            string
	PathMatcher     *PathMatcher // nil matches every path
	Backends        []Backend
	HeaderMutations HeaderMutations
	Plugins         []PluginConfig
	Cache           CachePolicy
	TLS             TLSPolicy
}

// Certificate is the per-host TLS material. Ephemeral certificates are
// self-signed fallbacks installed after an ACME failure; they are
// replaced transparently once a real certificate is issued.
type Certificate struct {
	Leaf      *tls.Certificate
	NotAfter  time.Time
	Ephemeral bool
}

// Challenge is a pending ACME HTTP-01 authorization, TTL-bounded in
// durable backends.
type Challenge struct {
	Token     string
	Proof     string
	ExpiresAt time.Time
}
