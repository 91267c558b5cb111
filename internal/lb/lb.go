// Package lb implements weighted round-robin selection over a route's
// healthy backend subset.
package lb

import (
	"errors"
	"sync/atomic"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

// ErrNoHealthyBackends is returned by Pick when every backend behind a
// route is currently unhealthy.
var ErrNoHealthyBackends = errors.New("lb: no healthy backends")

// HealthSource reports whether a backend address is currently eligible
// for traffic. The supervisor satisfies this by looking up each
// address's health.Checker; tests can substitute a fake.
type HealthSource interface {
	Healthy(addr string) bool
}

// Balancer selects a backend from a fixed set using weighted round robin,
// skipping any backend the HealthSource reports as unhealthy. It is
// grounded in the same shape as a classic reverse-proxy balancer: an
// atomic cursor advanced by each Pick call, expanded here into a
// weight-replicated selection sequence so a backend with weight 3 is
// chosen three times as often as one with weight 1.
type Balancer struct {
	sequence []store.Backend // backends replicated according to weight
	cursor   atomic.Uint64
	health   HealthSource
}

// New builds a Balancer over backends, consulting health for eligibility.
// A backend with Weight <= 0 is treated as weight 1.
func New(backends []store.Backend, health HealthSource) *Balancer {
	seq := make([]store.Backend, 0, len(backends))
	for _, b := range backends {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			seq = append(seq, b)
		}
	}
	return &Balancer{sequence: seq, health: health}
}

// Size returns the number of distinct rotation slots (weight-replicated)
// a caller may attempt before concluding no backend is reachable.
func (b *Balancer) Size() int {
	return len(b.sequence)
}

// Pick returns the next backend in rotation among those currently
// healthy. It visits at most len(sequence) candidates before giving up,
// so an all-unhealthy route fails fast rather than spinning.
func (b *Balancer) Pick() (store.Backend, error) {
	n := len(b.sequence)
	if n == 0 {
		return store.Backend{}, ErrNoHealthyBackends
	}

	for i := 0; i < n; i++ {
		idx := b.cursor.Add(1) - 1
		cand := b.sequence[idx%uint64(n)]
		if b.health == nil || b.health.Healthy(cand.HostPort()) {
			return cand, nil
		}
	}
	return store.Backend{}, ErrNoHealthyBackends
}
