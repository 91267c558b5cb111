package engine

import (
	"time"

	"github.com/edgeproxy/edgeproxy/internal/cache"
)

// freshnessDecision is the outcome of comparing a cache entry's age
// against its route's cache policy. It is owned by the engine, not the
// cache store, because it depends on wall-clock time at the moment of
// the request rather than anything the store itself knows.
type freshnessDecision int

const (
	decisionFresh freshnessDecision = iota
	decisionStaleWhileRevalidate
	decisionStaleIfError
	decisionExpired
)

// decideFreshness classifies meta relative to now. A stale-while-revalidate
// window means the entry is served immediately but a background refresh
// is warranted; stale-if-error only applies once the fresh and SWR
// windows have both elapsed, and only takes effect when the refresh
// attempt itself fails.
func decideFreshness(meta cache.Meta, now time.Time) freshnessDecision {
	freshUntil := meta.FreshUntil()
	if now.Before(freshUntil) {
		return decisionFresh
	}

	swrUntil := freshUntil.Add(time.Duration(meta.StaleWhileRevalidateSecs) * time.Second)
	if now.Before(swrUntil) {
		return decisionStaleWhileRevalidate
	}

	sieUntil := swrUntil.Add(time.Duration(meta.StaleIfErrorSecs) * time.Second)
	if now.Before(sieUntil) {
		return decisionStaleIfError
	}

	return decisionExpired
}

func (d freshnessDecision) cacheStatus() cache.Status {
	switch d {
	case decisionFresh:
		return cache.StatusHit
	case decisionStaleWhileRevalidate, decisionStaleIfError:
		return cache.StatusStale
	default:
		return cache.StatusExpired
	}
}
