package engine

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

// UpstreamClient issues requests to a selected backend over a transport
// tuned with bounded idle connections, a dial timeout, and a
// response-header timeout.
type UpstreamClient struct {
	Client *http.Client
}

// NewUpstreamClient returns an UpstreamClient with a tuned transport.
// Redirects are not followed: a 3xx response is relayed to the client
// as-is.
func NewUpstreamClient() *UpstreamClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &UpstreamClient{
		Client: &http.Client{
			Transport:     transport,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Do builds and sends the outbound request for backend, copying method,
// path, query, and (already-filtered) headers from outreq.
func (u *UpstreamClient) Do(outreq *http.Request, backend store.Backend) (*http.Response, error) {
	scheme := "http"
	if backend.SNI != "" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, backend.HostPort(), outreq.URL.RequestURI())

	req, err := http.NewRequestWithContext(outreq.Context(), outreq.Method, url, outreq.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: building upstream request: %w", err)
	}
	req.Header = outreq.Header.Clone()
	req.Host = outreq.Host
	if backend.SNI != "" {
		req.Host = backend.SNI
	}
	for name, value := range backend.Headers {
		req.Header.Set(name, value)
	}

	return u.Client.Do(req)
}

// hopByHopHeaders are stripped before forwarding in either direction,
// the standard RFC 7230 §6.1 set.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func stripHopByHop(h http.Header) {
	for name := range hopByHopHeaders {
		h.Del(name)
	}
}
