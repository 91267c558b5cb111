package tlsacceptor

import (
	"crypto/tls"
	"testing"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

func TestGetConfigForClientNoSNI(t *testing.T) {
	a := New(store.NewStore[store.Certificate](), store.NewStore[store.Route]())
	if _, err := a.getConfigForClient(&tls.ClientHelloInfo{}); err == nil {
		t.Fatal("expected error for missing SNI")
	}
}

func TestGetConfigForClientUnknownHost(t *testing.T) {
	a := New(store.NewStore[store.Certificate](), store.NewStore[store.Route]())
	_, err := a.getConfigForClient(&tls.ClientHelloInfo{ServerName: "unknown.test"})
	if err == nil {
		t.Fatal("expected error for host with no installed certificate")
	}
}

func TestGetConfigForClientAppliesRouteProtocolBounds(t *testing.T) {
	certs := store.NewStore[store.Certificate]()
	certs.Insert("a.test", store.Certificate{Leaf: &tls.Certificate{}})

	routes := store.NewStore[store.Route]()
	routes.Insert("a.test", store.Route{TLS: store.TLSPolicy{MinProto: tls.VersionTLS13, MaxProto: tls.VersionTLS13}})

	a := New(certs, routes)
	cfg, err := a.getConfigForClient(&tls.ClientHelloInfo{ServerName: "a.test"})
	if err != nil {
		t.Fatalf("getConfigForClient: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("got min=%x max=%x, want both TLS1.3", cfg.MinVersion, cfg.MaxVersion)
	}
}
