// Package challenge implements the plaintext HTTP-01 ACME responder: it
// answers /.well-known/acme-challenge/{token}, a liveness /ping, and
// redirects everything else to HTTPS.
package challenge

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

const challengePathPrefix = "/.well-known/acme-challenge/"

// Responder is the handler installed on the plaintext :80 listener. It
// must run even while the rest of the proxy only serves TLS, since
// HTTP-01 validation requests arrive over plain HTTP by protocol
// definition.
type Responder struct {
	Challenges *store.ChallengeStore
}

// New returns a Responder backed by challenges.
func New(challenges *store.ChallengeStore) *Responder {
	return &Responder{Challenges: challenges}
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/ping":
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "pong")
		return
	case strings.HasPrefix(req.URL.Path, challengePathPrefix):
		r.serveChallenge(w, req)
		return
	default:
		r.redirectToHTTPS(w, req)
	}
}

func (r *Responder) serveChallenge(w http.ResponseWriter, req *http.Request) {
	token := strings.TrimPrefix(req.URL.Path, challengePathPrefix)
	host := req.Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}

	ch, ok := r.Challenges.Lookup(host)
	if !ok || ch.Token != token {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ch.Proof)
}

func (r *Responder) redirectToHTTPS(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	target := "https://" + host + req.URL.RequestURI()
	http.Redirect(w, req, target, http.StatusMovedPermanently)
}

func splitHostPort(hostport string) (host, port string, err error) {
	if !strings.Contains(hostport, ":") {
		return hostport, "", nil
	}
	idx := strings.LastIndex(hostport, ":")
	return hostport[:idx], hostport[idx+1:], nil
}
