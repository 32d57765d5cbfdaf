package gossip

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

const (
	// DefaultAnnounceInterval is the period of the announcement loop.
	DefaultAnnounceInterval = 30 * time.Second
	// maintenanceInterval drives table pruning and nonce cache cleanup.
	maintenanceInterval = 60 * time.Second
	// defaultDirectLatencyMS seeds routes learned from announcements until
	// health probes measure the real link.
	defaultDirectLatencyMS = 50
)

// Config wires the engine to its collaborators. The table pointers are
// owned by the node; the funcs are late-bound so the engine never imports
// the transport or router packages.
type Config struct {
	NodeID           string
	AnnounceInterval time.Duration
	MaxTTL           int
	MaxCapabilities  int
	ExportHops       int
	VectorDim        int // 0 disables dimension checks

	// LocalCapabilities snapshots the node's own capability entries
	// (hops=0, local=true).
	LocalCapabilities func() []CapabilityEntry
	// Endpoints snapshots the node's current reachability.
	Endpoints func() *EndpointInfo
	// Resources snapshots spare capacity; may return nil.
	Resources func() *ResourceSnapshot
	// Broadcast hands encoded envelopes to the transport manager.
	Broadcast func(data []byte)
	// LearnEndpoints merges a peer's endpoint snapshot into the transport
	// manager's registry, triggering connection attempts to new addresses.
	LearnEndpoints func(EndpointInfo)
}

// Engine runs the announce loop and the inbound processing pipeline.
type Engine struct {
	cfg      Config
	gradient *routing.GradientTable
	routes   *routing.RoutingTable
	nonces   *nonceCache

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine builds an engine over the node's tables.
func NewEngine(cfg Config, gradient *routing.GradientTable, routes *routing.RoutingTable) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("gossip: node ID required")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("gossip: broadcast callback required")
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.MaxTTL <= 0 || cfg.MaxTTL > MaxTTL {
		cfg.MaxTTL = MaxTTL
	}
	if cfg.MaxCapabilities <= 0 {
		cfg.MaxCapabilities = MaxCapabilities
	}
	if cfg.ExportHops <= 0 {
		cfg.ExportHops = routing.DefaultExportHops
	}
	return &Engine{
		cfg:      cfg,
		gradient: gradient,
		routes:   routes,
		nonces:   newNonceCache(NonceCacheTTL),
	}, nil
}

// Start launches the announce and maintenance loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("gossip already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(2)
	go e.announceLoop()
	go e.maintenanceLoop()
	log.Printf("[Gossip] started (interval %s, ttl %d, K %d)", e.cfg.AnnounceInterval, e.cfg.MaxTTL, e.cfg.MaxCapabilities)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()
	log.Printf("[Gossip] stopped")
}

func (e *Engine) announceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	// First announcement goes out immediately so fresh nodes show up
	// within a connect round trip, not a full interval.
	e.AnnounceNow()
	for {
		select {
		case <-ticker.C:
			e.AnnounceNow()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.gradient.PruneExpired(); n > 0 {
				log.Printf("[Gossip] pruned %d expired gradient entries", n)
				metricGradientSize.Add(bgCtx, int64(-n))
			}
			e.routes.CleanupStale()
			e.nonces.cleanup()
		case <-e.stopCh:
			return
		}
	}
}

// AnnounceNow builds one announcement and broadcasts it. Safe to call
// outside the loop (tests, join handshakes).
func (e *Engine) AnnounceNow() {
	env, err := e.buildAnnouncement()
	if err != nil {
		log.Printf("[Gossip] failed to build announcement: %v", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Printf("[Gossip] failed to encode announcement: %v", err)
		return
	}
	// Record our own nonce so echoes flooded back are dropped.
	e.nonces.record(env.Nonce)
	e.cfg.Broadcast(data)
	metricAnnouncesSent.Add(bgCtx, 1)
}

// buildAnnouncement assembles local capabilities first, then fills the
// remaining slots with gradient exports under the hop cap.
func (e *Engine) buildAnnouncement() (*Announcement, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	env := &Announcement{
		Type:      TypeAnnounce,
		From:      e.cfg.NodeID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		TTL:       e.cfg.MaxTTL,
		Nonce:     nonce,
	}

	if e.cfg.LocalCapabilities != nil {
		env.Capabilities = e.cfg.LocalCapabilities()
		if len(env.Capabilities) > e.cfg.MaxCapabilities {
			env.Capabilities = env.Capabilities[:e.cfg.MaxCapabilities]
		}
	}
	if slots := e.cfg.MaxCapabilities - len(env.Capabilities); slots > 0 {
		for _, entry := range e.gradient.ExportForGossip(e.cfg.ExportHops) {
			if slots == 0 {
				break
			}
			env.Capabilities = append(env.Capabilities, CapabilityEntry{
				ID:        entry.CapabilityID,
				Label:     entry.Label,
				Vector:    entry.Vector,
				Local:     false,
				Hops:      entry.Hops,
				Via:       entry.Via,
				LatencyMS: entry.LatencyMS,
			})
			slots--
		}
	}
	if e.cfg.Endpoints != nil {
		env.Endpoints = e.cfg.Endpoints()
	}
	if e.cfg.Resources != nil {
		env.Resources = e.cfg.Resources()
	}
	return env, nil
}

// HandleGossip processes raw envelope bytes delivered by a transport.
// fromPeer is the immediate connection peer, which differs from
// envelope.From once the envelope has been forwarded.
func (e *Engine) HandleGossip(fromPeer string, data []byte) error {
	env, err := DecodeAnnouncement(data, e.cfg.VectorDim)
	if err != nil {
		metricRejects.Add(bgCtx, 1)
		log.Printf("[Gossip] rejected envelope from %s: %v", fromPeer, err)
		return err
	}
	return e.HandleAnnouncement(fromPeer, env)
}

// HandleAnnouncement runs the inbound pipeline: replay check, endpoint
// learning, route learning, gradient learning, then forward. Within one
// node the tables are fully updated before the forwarded copy leaves.
func (e *Engine) HandleAnnouncement(fromPeer string, env *Announcement) error {
	// Envelopes from ourselves circle back through the relay; the nonce
	// cache drops them along with replays and stale floods.
	if env.Age(time.Now()) > NonceCacheTTL {
		metricRejects.Add(bgCtx, 1)
		return fmt.Errorf("clock skew: envelope %s outside %s window", env.Nonce[:8], NonceCacheTTL)
	}
	if !e.nonces.checkAndRecord(env.Nonce) {
		// Seen before: already applied, never re-forwarded.
		return nil
	}
	metricAnnouncesRecv.Add(bgCtx, 1)

	if env.Endpoints != nil && e.cfg.LearnEndpoints != nil && env.Endpoints.NodeID != e.cfg.NodeID {
		e.cfg.LearnEndpoints(*env.Endpoints)
	}

	e.learnRoutes(fromPeer, env)
	e.learnGradient(fromPeer, env)

	if env.TTL > 1 {
		e.forward(env)
	}
	return nil
}

// learnRoutes applies the transport routing rules: a 1-hop direct route to
// the immediate sender, plus multi-hop routes to each via node named by a
// carried capability.
func (e *Engine) learnRoutes(fromPeer string, env *Announcement) {
	kind := routing.TransportRelay
	if env.Endpoints != nil && len(env.Endpoints.LocalIPs) > 0 {
		kind = routing.TransportLAN
	}

	if fromPeer != "" && fromPeer != e.cfg.NodeID {
		if e.routes.Update(routing.RouteEntry{
			Destination: fromPeer,
			Transport:   kind,
			NextHop:     fromPeer,
			Hops:        1,
			LatencyMS:   defaultDirectLatencyMS,
			Reliability: 1,
		}) {
			metricRoutesLearned.Add(bgCtx, 1)
		}
	}

	for _, cap := range env.Capabilities {
		if cap.Local || cap.Via == "" || cap.Via == e.cfg.NodeID || cap.Via == fromPeer {
			continue
		}
		labels := []string{cap.Label}
		if e.routes.Update(routing.RouteEntry{
			Destination:  cap.Via,
			Transport:    kind,
			NextHop:      fromPeer,
			Hops:         cap.Hops + 1,
			LatencyMS:    cap.LatencyMS + defaultDirectLatencyMS,
			Reliability:  1,
			Capabilities: labels,
		}) {
			metricRoutesLearned.Add(bgCtx, 1)
		}
	}
}

// learnGradient stores carried capabilities as routes through the
// immediate sender: local entries become 1-hop routes terminating at the
// sender, re-exports become hops+1 routes preserving the original via.
func (e *Engine) learnGradient(fromPeer string, env *Announcement) {
	for _, cap := range env.Capabilities {
		// Never learn a route to our own capability.
		if cap.Via == e.cfg.NodeID || (cap.Local && env.From == e.cfg.NodeID) {
			continue
		}
		var hops int
		var via string
		if cap.Local {
			hops = 1
			via = env.From
		} else {
			hops = cap.Hops + 1
			via = cap.Via
		}
		if e.gradient.Update(cap.ID, cap.Label, cap.Vector, hops, fromPeer, via, cap.LatencyMS) {
			metricGradientSize.Add(bgCtx, 1)
		}
	}
}

// forward re-broadcasts the envelope with one less TTL. Local capabilities
// turn into 1-hop re-exports terminating at the original announcer; other
// entries gain a hop. Nonce and From are preserved so the flood dedups.
func (e *Engine) forward(env *Announcement) {
	out := *env
	out.TTL = env.TTL - 1
	out.Capabilities = make([]CapabilityEntry, len(env.Capabilities))
	for i, cap := range env.Capabilities {
		fwd := cap
		if cap.Local {
			fwd.Local = false
			fwd.Hops = 1
			if fwd.Via == "" {
				fwd.Via = env.From
			}
		} else {
			fwd.Hops = cap.Hops + 1
		}
		out.Capabilities[i] = fwd
	}
	data, err := out.Encode()
	if err != nil {
		log.Printf("[Gossip] failed to encode forward: %v", err)
		return
	}
	e.cfg.Broadcast(data)
	metricForwards.Add(bgCtx, 1)
}

// NonceCount exposes the nonce cache size for the status surface.
func (e *Engine) NonceCount() int {
	return e.nonces.len()
}
