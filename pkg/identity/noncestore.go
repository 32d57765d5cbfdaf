package identity

import (
	"sync"
	"time"
)

// NonceStore tracks consumed open-invite nonces so each invite is claimed
// at most once. Entries live until the corresponding token's expiry plus a
// skew allowance, then Cleanup drops them.
type NonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time // nonce -> token expiry
	skew   time.Duration
	lastGC time.Time
}

// NonceSkew is the clock tolerance added to token expiry before a consumed
// nonce may be forgotten.
const NonceSkew = 5 * time.Minute

// NewNonceStore returns an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{
		seen:   make(map[string]time.Time),
		skew:   NonceSkew,
		lastGC: time.Now(),
	}
}

// Consume records the nonce and returns true if it was not already
// consumed. expiry is the token's expiry; the record is kept until then.
func (ns *NonceStore) Consume(nonce string, expiry time.Time) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.maybeGC()
	if _, ok := ns.seen[nonce]; ok {
		return false
	}
	ns.seen[nonce] = expiry
	return true
}

// Seen reports whether a nonce has been consumed without consuming it.
func (ns *NonceStore) Seen(nonce string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	_, ok := ns.seen[nonce]
	return ok
}

// Len returns the number of live nonce records.
func (ns *NonceStore) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.seen)
}

// Cleanup removes records whose token expiry (plus skew) has passed and
// returns how many were dropped.
func (ns *NonceStore) Cleanup() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.gc()
}

// maybeGC runs gc at most once a minute from the hot path. Callers hold mu.
func (ns *NonceStore) maybeGC() {
	if time.Since(ns.lastGC) < time.Minute {
		return
	}
	ns.gc()
}

func (ns *NonceStore) gc() int {
	now := time.Now()
	ns.lastGC = now
	dropped := 0
	for nonce, expiry := range ns.seen {
		if now.After(expiry.Add(ns.skew)) {
			delete(ns.seen, nonce)
			dropped++
		}
	}
	return dropped
}
