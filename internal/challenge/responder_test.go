package challenge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

func TestServeChallengeMatch(t *testing.T) {
	cs := store.NewChallengeStore()
	cs.Publish("a.test", "tok123", "proof-value")

	r := New(cs)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok123", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != "proof-value" {
		t.Fatalf("got body %q", rec.Body.String())
	}
}

func TestServeChallengeWrongToken(t *testing.T) {
	cs := store.NewChallengeStore()
	cs.Publish("a.test", "tok123", "proof-value")

	r := New(cs)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/wrong", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestPing(t *testing.T) {
	r := New(store.NewChallengeStore())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("got (%d, %q)", rec.Code, rec.Body.String())
	}
}

func TestRedirectsEverythingElse(t *testing.T) {
	r := New(store.NewChallengeStore())
	req := httptest.NewRequest(http.MethodGet, "/some/path?x=1", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("got status %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "https://a.test/some/path?x=1" {
		t.Fatalf("got Location %q", loc)
	}
}

func TestExpiredChallengeNotFound(t *testing.T) {
	cs := store.NewChallengeStore()
	cs.Store.Insert("a.test", store.Challenge{Token: "t", Proof: "p", ExpiresAt: time.Now().Add(-time.Minute)})

	r := New(cs)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/t", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}
