package node

import (
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

// DefaultRequestTimeout bounds the wait on a forwarded request's
// response future.
const DefaultRequestTimeout = 60 * time.Second

// pendingTable holds response futures for requests this node originated.
// Each future is a one-slot channel; a reply after the slot is gone is
// dropped, not delivered.
type pendingTable struct {
	mu      sync.Mutex
	futures map[string]chan *transport.Envelope
}

func newPendingTable() *pendingTable {
	return &pendingTable{futures: make(map[string]chan *transport.Envelope)}
}

// create registers a future for the request ID.
func (p *pendingTable) create(id string) chan *transport.Envelope {
	ch := make(chan *transport.Envelope, 1)
	p.mu.Lock()
	p.futures[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a response to its future. Returns false when the
// request is unknown, timed out, or already answered.
func (p *pendingTable) resolve(id string, env *transport.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.futures[id]
	if ok {
		delete(p.futures, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// drop abandons a future without delivering anything.
func (p *pendingTable) drop(id string) {
	p.mu.Lock()
	delete(p.futures, id)
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.futures)
}

// relayEntry remembers where a forwarded request came from so its
// response can retrace the hop.
type relayEntry struct {
	peer    string
	expires time.Time
}

// relayTable tracks requests this node forwarded on behalf of others.
// Entries are one-shot and age out with the same timeout the originator
// uses, so an answer that arrives too late has nowhere to go.
type relayTable struct {
	mu      sync.Mutex
	entries map[string]relayEntry
}

func newRelayTable() *relayTable {
	return &relayTable{entries: make(map[string]relayEntry)}
}

func (r *relayTable) put(reqID, fromPeer string, ttl time.Duration) {
	r.mu.Lock()
	r.entries[reqID] = relayEntry{peer: fromPeer, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
}

// take removes and returns the hop to send the response back over.
func (r *relayTable) take(reqID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[reqID]
	if !ok {
		return "", false
	}
	delete(r.entries, reqID)
	if time.Now().After(e.expires) {
		return "", false
	}
	return e.peer, true
}

// sweep drops expired entries, returning how many were removed.
func (r *relayTable) sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if now.After(e.expires) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *relayTable) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
