package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

// State names the ACME lifecycle stage a host is in. Transitions only
// move forward, except for Failed, which any stage can fall into and
// which resolves into SelfSignedFallback only when the route allows a
// self-signed fallback.
type State string

const (
	StateNoAccount              State = "no_account"
	StateAccount                State = "account"
	StateOrderPending           State = "order_pending"
	StateAuthChallengePublished State = "auth_challenge_published"
	StateValidating             State = "validating"
	StateOrderReady             State = "order_ready"
	StateFinalized              State = "finalized"
	StateInstalled              State = "installed"
	StateFailed                 State = "failed"
	StateSelfSignedFallback     State = "self_signed_fallback"
)

// Manager drives one host through the ACME HTTP-01 lifecycle and
// installs the resulting certificate (or a self-signed fallback) into
// the shared certificate store.
type Manager struct {
	Client       *acme.Client
	Storage      Storage
	Certificates *store.Store[store.Certificate]
	Challenges   *store.ChallengeStore

	// RenewBefore is how far ahead of expiry a renewal is attempted.
	RenewBefore time.Duration
}

// NewManager returns a Manager. directoryURL is the ACME server's
// directory endpoint; contactEmail is used for account registration.
func NewManager(directoryURL, contactEmail string, storage Storage, certs *store.Store[store.Certificate], challenges *store.ChallengeStore) (*Manager, error) {
	key, err := accountKey(context.Background(), storage)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		Key:          key,
		DirectoryURL: directoryURL,
	}

	m := &Manager{
		Client:       client,
		Storage:      storage,
		Certificates: certs,
		Challenges:   challenges,
		RenewBefore:  30 * 24 * time.Hour,
	}

	if _, err := client.Register(context.Background(), &acme.Account{Contact: []string{"mailto:" + contactEmail}}, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("acme: registering account: %w", err)
	}

	return m, nil
}

func accountKey(ctx context.Context, storage Storage) (*ecdsa.PrivateKey, error) {
	raw, err := storage.Get(ctx, "account.key")
	if err == nil {
		key, parseErr := x509.ParseECPrivateKey(raw)
		if parseErr == nil {
			return key, nil
		}
		slog.Warn("acme: stored account key unreadable, generating a new one", "error", parseErr)
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("acme: loading account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generating account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("acme: marshaling account key: %w", err)
	}
	if err := storage.Put(ctx, "account.key", der); err != nil {
		return nil, fmt.Errorf("acme: persisting account key: %w", err)
	}
	return key, nil
}

// Obtain drives host through order creation, HTTP-01 challenge
// publication and validation, and finalization, installing the resulting
// certificate on success. allowSelfSigned mirrors the route's
// tls_policy.self_signed_fallback flag: when true, any failure installs a
// self-signed leaf instead of leaving the host without a certificate;
// when false, issuance for this host is simply left disabled until the
// next poll, and the caller's existing certificate, if any, stays in
// place.
func (m *Manager) Obtain(ctx context.Context, host string, allowSelfSigned bool) error {
	state := StateAccount
	cert, notAfter, err := m.obtain(ctx, host, &state)
	if err != nil {
		if !allowSelfSigned {
			slog.Warn("acme: issuance failed, self-signed fallback disabled for this route", "host", host, "state", state, "error", err)
			return fmt.Errorf("acme: issuance failed for %s: %w", host, err)
		}
		slog.Warn("acme: issuance failed, installing self-signed fallback", "host", host, "state", state, "error", err)
		return m.installSelfSigned(host)
	}

	m.Certificates.Insert(host, store.Certificate{Leaf: cert, NotAfter: notAfter, Ephemeral: false})
	slog.Info("acme: certificate installed", "host", host, "not_after", notAfter)
	return nil
}

func (m *Manager) obtain(ctx context.Context, host string, state *State) (*tls.Certificate, time.Time, error) {
	*state = StateOrderPending
	order, err := m.Client.AuthorizeOrder(ctx, []acme.AuthzID{{Type: "dns", Value: host}})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("authorizing order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := m.satisfyAuthorization(ctx, host, authzURL, state); err != nil {
			return nil, time.Time{}, err
		}
	}

	*state = StateOrderReady
	order, err = m.Client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("waiting on order: %w", err)
	}

	*state = StateFinalized
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generating leaf key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: []string{host}}, key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating CSR: %w", err)
	}

	der, _, err := m.Client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("finalizing order: %w", err)
	}

	*state = StateInstalled
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing issued certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  key,
		Leaf:        leaf,
	}, leaf.NotAfter, nil
}

func (m *Manager) satisfyAuthorization(ctx context.Context, host, authzURL string, state *State) error {
	authz, err := m.Client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", host)
	}

	proof, err := m.Client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("computing http-01 response: %w", err)
	}
	m.Challenges.Publish(host, chal.Token, proof)
	*state = StateAuthChallengePublished

	if _, err := m.Client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accepting challenge: %w", err)
	}

	*state = StateValidating
	if _, err := m.Client.WaitAuthorization(ctx, authzURL); err != nil {
		return fmt.Errorf("waiting on authorization: %w", err)
	}
	return nil
}

func (m *Manager) installSelfSigned(host string) error {
	cert, notAfter, err := SelfSignedCert(host)
	if err != nil {
		return fmt.Errorf("acme: self-signed fallback also failed: %w", err)
	}
	m.Certificates.Insert(host, store.Certificate{Leaf: cert, NotAfter: notAfter, Ephemeral: true})
	return nil
}

// NeedsRenewal reports whether the installed certificate for host is
// close enough to expiry (or absent) to warrant another Obtain call.
func (m *Manager) NeedsRenewal(host string) bool {
	cert, ok := m.Certificates.Lookup(host)
	if !ok {
		return true
	}
	return time.Until(cert.NotAfter) < m.RenewBefore
}
