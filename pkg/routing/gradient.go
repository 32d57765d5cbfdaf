// Package routing holds the two in-memory tables every node maintains:
// the capability-level gradient table (which capability is reachable where,
// at what hop distance) and the transport-level routing table (which
// transport reaches which destination at what cost). Both tables are safe
// for concurrent use and bound their own growth.
package routing

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
)

const (
	// DefaultGradientCapacity bounds the gradient table.
	DefaultGradientCapacity = 1000
	// DefaultGradientTTL ages out entries that stop being announced.
	DefaultGradientTTL = 300 * time.Second
	// ConfidenceDecay is the per-hop multiplier behind confidence scores.
	ConfidenceDecay = 0.95
	// DefaultExportHops caps the hop distance of entries re-advertised
	// in outgoing announcements.
	DefaultExportHops = 5
)

// GradientEntry is one known route to a capability somewhere in the mesh.
type GradientEntry struct {
	CapabilityID string
	Label        string
	Vector       []float32
	Hops         int
	NextHop      string // peer to forward to
	Via          string // originating node, kept for loop awareness
	LatencyMS    float64
	Confidence   float64 // 0.95^hops, fixed at update time
	LastUpdated  time.Time
}

// expired reports whether the entry is older than ttl at now.
func (e *GradientEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastUpdated) > ttl
}

// GradientMatch is a scored result from FindBestRoute.
type GradientMatch struct {
	Entry         GradientEntry
	Similarity    float64 // raw cosine
	AdjustedScore float64 // cosine * confidence
}

// GradientTable maps capability ID to the best known gradient entry.
// The similarity index (a stacked matrix of entry vectors) is rebuilt
// lazily: mutations mark it dirty, the next query rebuilds it under the
// table lock.
type GradientTable struct {
	mu       sync.RWMutex
	entries  map[string]*GradientEntry
	capacity int
	ttl      time.Duration

	dirty     bool
	matrixIDs []string
	matrix    [][]float32
}

// NewGradientTable builds an empty table. Zero arguments select the
// defaults (capacity 1000, TTL 300s).
func NewGradientTable(capacity int, ttl time.Duration) *GradientTable {
	if capacity <= 0 {
		capacity = DefaultGradientCapacity
	}
	if ttl <= 0 {
		ttl = DefaultGradientTTL
	}
	return &GradientTable{
		entries:  make(map[string]*GradientEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
		dirty:    true,
	}
}

// Confidence returns the hop-penalty weight 0.95^hops.
func Confidence(hops int) float64 {
	return math.Pow(ConfidenceDecay, float64(hops))
}

// Update adopts a route iff it is strictly better (fewer hops) than the
// current one, or refreshes the timestamp when the same route is
// re-announced (same next hop, same hops). Returns true when the table
// changed, timestamp refreshes included.
func (g *GradientTable) Update(capID, label string, vector []float32, hops int, nextHop, via string, latencyMS float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	existing, ok := g.entries[capID]
	if ok {
		switch {
		case hops < existing.Hops:
			// strictly better, adopt below
		case hops == existing.Hops && nextHop == existing.NextHop:
			existing.LastUpdated = now
			existing.LatencyMS = latencyMS
			return true
		default:
			return false
		}
	} else if len(g.entries) >= g.capacity {
		g.evictWorst(now)
	}

	g.entries[capID] = &GradientEntry{
		CapabilityID: capID,
		Label:        label,
		Vector:       vector,
		Hops:         hops,
		NextHop:      nextHop,
		Via:          via,
		LatencyMS:    latencyMS,
		Confidence:   Confidence(hops),
		LastUpdated:  now,
	}
	g.dirty = true
	return true
}

// evictWorst drops the entry minimizing confidence/(1+age_minutes).
// Callers hold the write lock.
func (g *GradientTable) evictWorst(now time.Time) {
	worstID := ""
	worstScore := math.Inf(1)
	for id, e := range g.entries {
		ageMin := now.Sub(e.LastUpdated).Minutes()
		score := e.Confidence / (1 + ageMin)
		if score < worstScore {
			worstScore = score
			worstID = id
		}
	}
	if worstID != "" {
		delete(g.entries, worstID)
		g.dirty = true
		log.Printf("[Gradient] table full, evicted %s (score %.4f)", worstID, worstScore)
	}
}

// Remove deletes a capability route.
func (g *GradientTable) Remove(capID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[capID]; !ok {
		return false
	}
	delete(g.entries, capID)
	g.dirty = true
	return true
}

// InvalidateNode drops every entry routed through the given peer. Called
// when a peer disconnects; entries via other peers are untouched.
func (g *GradientTable) InvalidateNode(nodeID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, e := range g.entries {
		if e.NextHop == nodeID {
			delete(g.entries, id)
			removed++
		}
	}
	if removed > 0 {
		g.dirty = true
		log.Printf("[Gradient] invalidated %d routes via %s", removed, nodeID)
	}
	return removed
}

// PruneExpired drops entries older than the table TTL.
func (g *GradientTable) PruneExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, e := range g.entries {
		if e.expired(now, g.ttl) {
			delete(g.entries, id)
			removed++
		}
	}
	if removed > 0 {
		g.dirty = true
	}
	return removed
}

// rebuildIndex restacks the similarity matrix. Callers hold the write lock.
func (g *GradientTable) rebuildIndex() {
	ids := make([]string, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	// Sorted so ranking ties resolve identically on every node.
	sort.Strings(ids)
	matrix := make([][]float32, len(ids))
	for i, id := range ids {
		matrix[i] = g.entries[id].Vector
	}
	g.matrixIDs = ids
	g.matrix = matrix
	g.dirty = false
}

// FindBestRoute ranks all non-expired entries by similarity times
// confidence and returns the best match at or above minScore. Ties fall
// back to raw similarity, then fewer hops, then lexicographic capability
// ID (which leads with the terminal node ID), so every node picks the
// same winner from the same table state.
func (g *GradientTable) FindBestRoute(intentVec []float32, minScore float64) *GradientMatch {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dirty {
		g.rebuildIndex()
	}
	if len(g.matrixIDs) == 0 {
		return nil
	}

	now := time.Now()
	sims := embedding.MatVec(g.matrix, intentVec)
	var best *GradientMatch
	for i, id := range g.matrixIDs {
		e, ok := g.entries[id]
		if !ok || e.expired(now, g.ttl) {
			continue
		}
		sim := float64(sims[i])
		adjusted := sim * e.Confidence
		if adjusted < minScore {
			continue
		}
		if best == nil || betterMatch(adjusted, sim, e, best) {
			best = &GradientMatch{Entry: *e, Similarity: sim, AdjustedScore: adjusted}
		}
	}
	return best
}

// betterMatch applies the deterministic ordering for candidate routes.
func betterMatch(adjusted, sim float64, e *GradientEntry, cur *GradientMatch) bool {
	if adjusted != cur.AdjustedScore {
		return adjusted > cur.AdjustedScore
	}
	if sim != cur.Similarity {
		return sim > cur.Similarity
	}
	if e.Hops != cur.Entry.Hops {
		return e.Hops < cur.Entry.Hops
	}
	return e.CapabilityID < cur.Entry.CapabilityID
}

// ExportForGossip snapshots non-expired entries within the hop cap for
// inclusion in outgoing announcements.
func (g *GradientTable) ExportForGossip(maxHops int) []GradientEntry {
	if maxHops <= 0 {
		maxHops = DefaultExportHops
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := time.Now()
	out := make([]GradientEntry, 0, len(g.entries))
	for _, e := range g.entries {
		if e.Hops <= maxHops && !e.expired(now, g.ttl) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityID < out[j].CapabilityID })
	return out
}

// Get returns a copy of one entry.
func (g *GradientTable) Get(capID string) (GradientEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[capID]
	if !ok {
		return GradientEntry{}, false
	}
	return *e, true
}

// Len returns the live entry count.
func (g *GradientTable) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}
