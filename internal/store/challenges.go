package store

import "time"

// ChallengeTTL is the durable-backend TTL for a pending ACME
// authorization: 300 seconds.
const ChallengeTTL = 300 * time.Second

// ChallengeStore is the Store façade specialized for pending ACME HTTP-01
// challenges. It shares Store's lookup/insert/remove contract and adds
// lazy-on-read TTL expiry, avoiding a dedicated sweep goroutine for the
// common case where a challenge is read at least once before it goes
// stale.
type ChallengeStore struct {
	*Store[Challenge]
}

// NewChallengeStore returns an empty ChallengeStore.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{Store: NewStore[Challenge]()}
}

// Lookup returns the challenge for host if present and not expired. An
// expired entry is swept on the way out so it does not keep answering
// stale HTTP-01 validation requests.
func (c *ChallengeStore) Lookup(host string) (Challenge, bool) {
	ch, ok := c.Store.Lookup(host)
	if !ok {
		return Challenge{}, false
	}
	if time.Now().After(ch.ExpiresAt) {
		c.Store.Remove(host)
		return Challenge{}, false
	}
	return ch, true
}

// Publish writes a new pending challenge for host with the standard TTL.
func (c *ChallengeStore) Publish(host, token, proof string) {
	c.Store.Insert(host, Challenge{
		Token:     token,
		Proof:     proof,
		ExpiresAt: time.Now().Add(ChallengeTTL),
	})
}

// Sweep removes every expired entry. Intended to be called periodically
// by the background supervisor as a belt-and-braces cleanup on top of
// the lazy-on-read expiry in Lookup.
func (c *ChallengeStore) Sweep() {
	now := time.Now()
	for host, ch := range c.Store.Iter() {
		if now.After(ch.ExpiresAt) {
			c.Store.Remove(host)
		}
	}
}
