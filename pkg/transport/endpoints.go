package transport

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
)

// DefaultEndpointTTL is how long a learned endpoint survives without a
// fresh announcement before pruning drops it.
const DefaultEndpointTTL = 10 * time.Minute

// EndpointRegistry holds the last known reachability snapshot per peer,
// learned from gossip announcements. Only a fresher snapshot replaces an
// existing one; announcements arrive out of order across transports.
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]gossip.EndpointInfo
	learnedAt map[string]time.Time
}

// NewEndpointRegistry builds an empty registry.
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{
		endpoints: make(map[string]gossip.EndpointInfo),
		learnedAt: make(map[string]time.Time),
	}
}

// Learn merges one peer snapshot. Returns true when the registry changed,
// meaning the caller should consider new connection attempts.
func (r *EndpointRegistry) Learn(info gossip.EndpointInfo) bool {
	if info.NodeID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.endpoints[info.NodeID]
	if ok && info.LastUpdated <= existing.LastUpdated {
		r.learnedAt[info.NodeID] = time.Now()
		return false
	}
	r.endpoints[info.NodeID] = info
	r.learnedAt[info.NodeID] = time.Now()
	return true
}

// Get returns a copy of the peer's snapshot.
func (r *EndpointRegistry) Get(nodeID string) (gossip.EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.endpoints[nodeID]
	return info, ok
}

// Remove forgets a peer entirely.
func (r *EndpointRegistry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, nodeID)
	delete(r.learnedAt, nodeID)
}

// Prune drops peers not re-announced within ttl. Returns how many went.
func (r *EndpointRegistry) Prune(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, seen := range r.learnedAt {
		if seen.Before(cutoff) {
			delete(r.endpoints, id)
			delete(r.learnedAt, id)
			removed++
		}
	}
	return removed
}

// NodeIDs lists every registered peer, sorted.
func (r *EndpointRegistry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered peers.
func (r *EndpointRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// localIPs enumerates non-loopback unicast IPv4 addresses, the set peers
// on the same LAN can dial directly.
func localIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP == nil {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || !ip4.IsGlobalUnicast() {
				continue
			}
			out = append(out, ip4.String())
		}
	}
	return out
}
