// Package router decides, per intent, between executing locally and
// forwarding along the capability gradient. It also houses the fast
// pre-computed project router and trigger dispatch.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
)

// Capability is one function this node offers, embedded once at
// registration.
type Capability struct {
	ID          string         // node_id:label
	Label       string         //
	Description string         //
	Vector      []float32      // unit length
	Handler     string         // opaque routing key for the executor
	Models      []string       //
	Constraints map[string]any //
}

// registry holds this node's local capabilities.
type registry struct {
	mu     sync.RWMutex
	nodeID string
	byID   map[string]*Capability
	order  []string // registration order, for stable snapshots
}

func newRegistry(nodeID string) *registry {
	return &registry{
		nodeID: nodeID,
		byID:   make(map[string]*Capability),
	}
}

func (r *registry) add(cap *Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[cap.ID]; !exists {
		r.order = append(r.order, cap.ID)
	}
	r.byID[cap.ID] = cap
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) get(id string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *registry) snapshot() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// bestLocalMatch scores the intent vector against every local capability.
// Ties resolve by capability ID so the choice is stable.
func (r *registry) bestLocalMatch(intentVec []float32) (*Capability, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var best *Capability
	bestSim := -1.0
	for _, id := range ids {
		c := r.byID[id]
		sim := float64(embedding.Dot(c.Vector, intentVec))
		if sim > bestSim {
			bestSim = sim
			best = c
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestSim
}

// RegisterCapability embeds the description once, stores the capability,
// and emits a hops=0 gradient self-entry so local and remote providers
// rank through the same table.
func (cr *CapabilityRouter) RegisterCapability(ctx context.Context, label, description, handler string, models []string, constraints map[string]any) (*Capability, error) {
	if label == "" {
		return nil, fmt.Errorf("capability label must not be empty")
	}
	vec, err := cr.embedder.Embed(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("failed to embed capability %q: %w", label, err)
	}
	cap := &Capability{
		ID:          cr.nodeID + ":" + label,
		Label:       label,
		Description: description,
		Vector:      vec,
		Handler:     handler,
		Models:      models,
		Constraints: constraints,
	}
	cr.local.add(cap)
	cr.gradient.Update(cap.ID, label, vec, 0, cr.nodeID, cr.nodeID, 0)
	return cap, nil
}

// BestLocal embeds the text and returns the strongest local capability
// with its similarity, or nil when nothing clears the minimum routing
// threshold. Receivers of direct execution requests use this to re-score
// instead of trusting the sender's pick.
func (cr *CapabilityRouter) BestLocal(ctx context.Context, text string) (*Capability, float64, error) {
	vec, err := cr.embedder.Embed(ctx, text)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to embed intent: %w", err)
	}
	c, sim := cr.local.bestLocalMatch(vec)
	if c == nil || sim < cr.minRouteThreshold {
		return nil, sim, nil
	}
	return c, sim, nil
}

// UnregisterCapability drops a local capability immediately. Peers forget
// it by gradient TTL.
func (cr *CapabilityRouter) UnregisterCapability(label string) bool {
	id := cr.nodeID + ":" + label
	cr.gradient.Remove(id)
	return cr.local.remove(id)
}

// LocalCapability looks up one of this node's capabilities by label.
func (cr *CapabilityRouter) LocalCapability(label string) (*Capability, bool) {
	return cr.local.get(cr.nodeID + ":" + label)
}

// LocalCapabilities snapshots the local set in registration order.
func (cr *CapabilityRouter) LocalCapabilities() []*Capability {
	return cr.local.snapshot()
}

// WireCapabilities renders the local set as gossip entries (hops=0,
// local=true) for the announcement builder.
func (cr *CapabilityRouter) WireCapabilities() []gossip.CapabilityEntry {
	caps := cr.local.snapshot()
	out := make([]gossip.CapabilityEntry, len(caps))
	for i, c := range caps {
		out[i] = gossip.CapabilityEntry{
			ID:          c.ID,
			Label:       c.Label,
			Description: c.Description,
			Vector:      c.Vector,
			Local:       true,
			Models:      c.Models,
			Constraints: c.Constraints,
		}
	}
	return out
}
