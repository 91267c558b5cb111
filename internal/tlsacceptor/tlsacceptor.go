// Package tlsacceptor implements the TLS handshake entry point:
// SNI-based certificate selection, ALPN negotiation between h2 and
// http/1.1, and per-route protocol version bounds.
package tlsacceptor

import (
	"crypto/tls"
	"fmt"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

// Acceptor builds *tls.Config values whose GetConfigForClient callback
// consults the certificate store by SNI host and whose min/max protocol
// version is narrowed per the matching route's TLS policy.
type Acceptor struct {
	Certificates *store.Store[store.Certificate]
	Routes       *store.Store[store.Route]
}

// New returns an Acceptor backed by the given certificate and route
// stores. Both are consulted fresh on every handshake, so a route or
// certificate change takes effect for the next connection without
// restarting the listener.
func New(certs *store.Store[store.Certificate], routes *store.Store[store.Route]) *Acceptor {
	return &Acceptor{Certificates: certs, Routes: routes}
}

// Config returns a *tls.Config suitable for tls.Listen/http.Server, with
// GetConfigForClient doing per-connection SNI lookups so each vhost can
// carry its own protocol bounds alongside its certificate.
func (a *Acceptor) Config() *tls.Config {
	return &tls.Config{
		NextProtos:         []string{"h2", "http/1.1"},
		GetConfigForClient: a.getConfigForClient,
	}
}

func (a *Acceptor) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("tlsacceptor: client sent no SNI host")
	}

	cert, ok := a.Certificates.Lookup(host)
	if !ok || cert.Leaf == nil {
		return nil, fmt.Errorf("tlsacceptor: no certificate installed for host %q", host)
	}

	cfg := &tls.Config{
		NextProtos:   []string{"h2", "http/1.1"},
		Certificates: []tls.Certificate{*cert.Leaf},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
	}

	if route, ok := a.Routes.Lookup(host); ok {
		if route.TLS.MinProto != 0 {
			cfg.MinVersion = route.TLS.MinProto
		}
		if route.TLS.MaxProto != 0 {
			cfg.MaxVersion = route.TLS.MaxProto
		}
	}

	return cfg, nil
}
