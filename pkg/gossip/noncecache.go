package gossip

import (
	"sync"
	"time"
)

// NonceCacheTTL is both the dedup window for envelope nonces and the
// accepted clock-skew window for envelope timestamps.
const NonceCacheTTL = 300 * time.Second

// nonceCache remembers recently seen envelope nonces so re-floods of the
// same announcement are applied once and never circulate.
type nonceCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	if ttl <= 0 {
		ttl = NonceCacheTTL
	}
	return &nonceCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// checkAndRecord returns false when the nonce was already seen inside the
// window; otherwise it records the nonce and returns true.
func (nc *nonceCache) checkAndRecord(nonce string) bool {
	now := time.Now()
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if at, ok := nc.seen[nonce]; ok && now.Sub(at) < nc.ttl {
		return false
	}
	nc.seen[nonce] = now
	return true
}

// record unconditionally marks a nonce as seen (used for our own sends so
// echoes of our announcements are dropped).
func (nc *nonceCache) record(nonce string) {
	nc.mu.Lock()
	nc.seen[nonce] = time.Now()
	nc.mu.Unlock()
}

// cleanup drops entries older than the window and returns the count.
func (nc *nonceCache) cleanup() int {
	now := time.Now()
	nc.mu.Lock()
	defer nc.mu.Unlock()
	dropped := 0
	for n, at := range nc.seen {
		if now.Sub(at) >= nc.ttl {
			delete(nc.seen, n)
			dropped++
		}
	}
	return dropped
}

func (nc *nonceCache) len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.seen)
}
