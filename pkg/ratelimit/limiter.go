// Package ratelimit provides a token-bucket limiter keyed by client
// address, used by the relay to shield its upgrade and API endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Config tunes a Limiter. Zero fields take the defaults.
type Config struct {
	Rate            float64       // tokens added per second per key (default 10)
	Burst           int           // bucket capacity (default 20)
	MaxKeys         int           // keys tracked before LRU eviction (default 1000)
	CleanupInterval time.Duration // idle-key sweep period (default 5m)
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Burst:           20,
		MaxKeys:         1000,
		CleanupInterval: 5 * time.Minute,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a per-key token bucket with LRU eviction of the
// least-recently-seen keys once MaxKeys is reached.
type Limiter struct {
	mu sync.Mutex

	rate            float64
	burst           int
	maxKeys         int
	cleanupInterval time.Duration

	buckets map[string]*bucket
	order   []string // LRU order, oldest first
	index   map[string]int

	stopCh  chan struct{}
	stopped bool
}

// New builds a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		rate:            cfg.Rate,
		burst:           cfg.Burst,
		maxKeys:         cfg.MaxKeys,
		cleanupInterval: cfg.CleanupInterval,
		buckets:         make(map[string]*bucket),
		order:           make([]string, 0, cfg.MaxKeys),
		index:           make(map[string]int),
		stopCh:          make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token for the key if available.
func (l *Limiter) Allow(key string) bool {
	allowed, _, _ := l.Reserve(key)
	return allowed
}

// Reserve consumes one token if available and reports the remaining
// budget. When denied, retryAfter says how long until the next token.
func (l *Limiter) Reserve(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), last: now}
		l.admit(key, b)
	} else {
		l.touch(key)
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.rate
			if b.tokens > float64(l.burst) {
				b.tokens = float64(l.burst)
			}
		}
	}
	b.last = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, int(b.tokens), 0
	}
	deficit := 1.0 - b.tokens
	return false, 0, time.Duration(deficit / l.rate * float64(time.Second))
}

// Rate reports tokens per second.
func (l *Limiter) Rate() float64 { return l.rate }

// Burst reports the bucket capacity.
func (l *Limiter) Burst() int { return l.burst }

// admit inserts a new key, evicting the least-recently-used one at
// capacity. Caller holds the lock.
func (l *Limiter) admit(key string, b *bucket) {
	if len(l.order) >= l.maxKeys && len(l.order) > 0 {
		oldest := l.order[0]
		delete(l.buckets, oldest)
		delete(l.index, oldest)
		l.order = l.order[1:]
		l.reindex()
	}
	l.order = append(l.order, key)
	l.index[key] = len(l.order) - 1
	l.buckets[key] = b
}

// touch moves a key to the most-recently-used end. Caller holds the
// lock.
func (l *Limiter) touch(key string) {
	idx, ok := l.index[key]
	if !ok {
		return
	}
	l.order = append(l.order[:idx], l.order[idx+1:]...)
	l.order = append(l.order, key)
	l.reindex()
}

func (l *Limiter) reindex() {
	for i, k := range l.order {
		l.index[k] = i
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops keys that have been idle long enough for their bucket
// to refill completely.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := l.order[:0]
	for _, key := range l.order {
		b, ok := l.buckets[key]
		if !ok {
			continue
		}
		idle := now.Sub(b.last)
		refilled := b.tokens+idle.Seconds()*l.rate >= float64(l.burst)
		if idle > l.cleanupInterval && refilled {
			delete(l.buckets, key)
			delete(l.index, key)
			continue
		}
		kept = append(kept, key)
	}
	l.order = kept
	l.reindex()
}

// Stop halts the cleanup loop.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		close(l.stopCh)
		l.stopped = true
	}
}

// Stats describes the limiter state for the relay /stats surface.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"tracked_keys": len(l.order),
		"max_keys":     l.maxKeys,
		"rate":         l.rate,
		"burst":        l.burst,
	}
}
