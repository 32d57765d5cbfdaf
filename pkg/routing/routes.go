package routing

import (
	"sort"
	"sync"
	"time"
)

// TransportKind names a concrete way of reaching a peer. The routing table
// keys on it so multiple transports to one destination coexist.
type TransportKind string

const (
	TransportLAN   TransportKind = "lan"
	TransportRelay TransportKind = "relay"
)

// DefaultRouteStaleness is how long a route stays usable without refresh.
const DefaultRouteStaleness = 5 * time.Minute

// routeSlack is the cost tolerance within which a fresher route may
// replace an existing one.
const routeSlack = 1.1

// RouteEntry is one known path to a destination over one transport.
type RouteEntry struct {
	Destination   string
	Transport     TransportKind
	NextHop       string
	Hops          int
	LatencyMS     float64
	Reliability   float64 // 0..1
	BandwidthMbps float64
	Cost          float64
	LastUpdated   time.Time
	Capabilities  []string // labels carried by the announcement that taught us this route
}

// RouteCost computes the routing cost: latency and hop count blended
// 60/40 (each saturating at 1s and 10 hops), divided by reliability
// floored at 0.1 so dead links rank last rather than dividing by zero.
func RouteCost(latencyMS float64, hops int, reliability float64) float64 {
	lat := latencyMS / 1000
	if lat > 1 {
		lat = 1
	}
	h := float64(hops) / 10
	if h > 1 {
		h = 1
	}
	rel := reliability
	if rel < 0.1 {
		rel = 0.1
	}
	return (0.6*lat + 0.4*h) / rel
}

func (r *RouteEntry) stale(now time.Time, staleness time.Duration) bool {
	return now.Sub(r.LastUpdated) > staleness
}

type routeKey struct {
	dest string
	kind TransportKind
}

// RoutingTable holds (destination, transport) -> route, learned from
// gossip announcements and refreshed by transport health probes.
type RoutingTable struct {
	mu        sync.RWMutex
	routes    map[routeKey]*RouteEntry
	staleness time.Duration
}

// NewRoutingTable builds an empty table with the default staleness.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		routes:    make(map[routeKey]*RouteEntry),
		staleness: DefaultRouteStaleness,
	}
}

// Update offers a new observation of a route. The new entry wins when its
// cost is strictly lower, or within 10% of the old cost while being
// fresher. A losing offer still bumps the existing entry's timestamp so
// active routes do not go stale. Returns true when the entry was replaced.
func (rt *RoutingTable) Update(entry RouteEntry) bool {
	entry.Cost = RouteCost(entry.LatencyMS, entry.Hops, entry.Reliability)
	if entry.LastUpdated.IsZero() {
		entry.LastUpdated = time.Now()
	}
	key := routeKey{entry.Destination, entry.Transport}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	existing, ok := rt.routes[key]
	if !ok {
		rt.routes[key] = &entry
		return true
	}
	if entry.Cost < existing.Cost ||
		(entry.Cost <= existing.Cost*routeSlack && entry.LastUpdated.After(existing.LastUpdated)) {
		rt.routes[key] = &entry
		return true
	}
	existing.LastUpdated = entry.LastUpdated
	return false
}

// Refresh records a direct health measurement of one link. Unlike Update
// it never rejects: a probe is a new reading of the same link, not a
// competing offer. Creates a one-hop entry when the link is not yet known.
func (rt *RoutingTable) Refresh(dest string, kind TransportKind, latencyMS, reliability float64) {
	key := routeKey{dest, kind}
	now := time.Now()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.routes[key]
	if !ok {
		r = &RouteEntry{
			Destination: dest,
			Transport:   kind,
			NextHop:     dest,
			Hops:        1,
		}
		rt.routes[key] = r
	}
	r.LatencyMS = latencyMS
	r.Reliability = reliability
	r.Cost = RouteCost(latencyMS, r.Hops, reliability)
	r.LastUpdated = now
}

// RemoveRoute drops the route to dest over one transport, leaving routes
// over other transports intact. Returns true when an entry existed.
func (rt *RoutingTable) RemoveRoute(dest string, kind TransportKind) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := routeKey{dest, kind}
	if _, ok := rt.routes[key]; !ok {
		return false
	}
	delete(rt.routes, key)
	return true
}

// GetBestRoute scans every transport toward dest, recomputes costs, and
// returns the cheapest non-stale route.
func (rt *RoutingTable) GetBestRoute(dest string) *RouteEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	now := time.Now()
	var best *RouteEntry
	for key, r := range rt.routes {
		if key.dest != dest || r.stale(now, rt.staleness) {
			continue
		}
		cost := RouteCost(r.LatencyMS, r.Hops, r.Reliability)
		if best == nil || cost < best.Cost {
			cp := *r
			cp.Cost = cost
			best = &cp
		}
	}
	return best
}

// Routes returns copies of every route toward dest, cheapest first.
func (rt *RoutingTable) Routes(dest string) []RouteEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []RouteEntry
	for key, r := range rt.routes {
		if key.dest != dest {
			continue
		}
		cp := *r
		cp.Cost = RouteCost(r.LatencyMS, r.Hops, r.Reliability)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

// Destinations lists every node the table can currently reach.
func (rt *RoutingTable) Destinations() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	seen := make(map[string]bool)
	for key := range rt.routes {
		seen[key.dest] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// RemovePeer drops every route to or through a peer.
func (rt *RoutingTable) RemovePeer(peerID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := 0
	for key, r := range rt.routes {
		if key.dest == peerID || r.NextHop == peerID {
			delete(rt.routes, key)
			removed++
		}
	}
	return removed
}

// CleanupStale drops routes past the staleness window.
func (rt *RoutingTable) CleanupStale() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, r := range rt.routes {
		if r.stale(now, rt.staleness) {
			delete(rt.routes, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of route entries across all transports.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.routes)
}
