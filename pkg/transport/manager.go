package transport

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

const (
	// DefaultProbeInterval is how often each live path gets a ping.
	DefaultProbeInterval = 15 * time.Second
	// DefaultRefreshInterval drives registry pruning, stale-route cleanup,
	// and reconnect attempts toward peers we know endpoints for.
	DefaultRefreshInterval = 30 * time.Second
	// healthAlpha is the EMA weight for new latency/reliability samples.
	healthAlpha = 0.3
	// seedLatencyScale turns a transport's cost hint into the latency a
	// fresh path is assumed to have until probes measure it.
	seedLatencyScale = 100
)

// ManagerConfig wires the manager to the node. Callback funcs are
// late-bound so the manager never imports the router or node packages.
type ManagerConfig struct {
	NodeID string
	// ListenPort and RelayURL are advertised in the endpoint snapshot so
	// peers can dial back.
	ListenPort int
	RelayURL   string

	ProbeInterval   time.Duration
	RefreshInterval time.Duration

	// OnGossip receives unwrapped announcement bytes from any transport.
	OnGossip func(fromPeer string, data []byte)
	// OnEnvelope receives request/response envelopes addressed to this node.
	OnEnvelope func(from string, kind routing.TransportKind, env *Envelope)
	// OnPeerUp fires when the first path to a peer comes alive.
	OnPeerUp func(nodeID string)
	// OnPeerLost fires when the last path to a peer drops.
	OnPeerLost func(nodeID string)
}

type pathKey struct {
	nodeID string
	kind   routing.TransportKind
}

// linkHealth tracks one path's probe statistics. A ping left unanswered
// by the next probe tick counts as a miss against reliability.
type linkHealth struct {
	latencyMS   float64
	reliability float64
	awaiting    bool
}

// Manager owns every transport, connects all of them per peer, sends on
// the cheapest live route, and fails over to the next one the moment a
// send errors. It is the Sink every transport reports into.
type Manager struct {
	cfg       ManagerConfig
	routes    *routing.RoutingTable
	endpoints *EndpointRegistry

	mu         sync.RWMutex
	transports []Transport
	paths      map[pathKey]bool
	health     map[pathKey]*linkHealth

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager builds a manager over the node's routing table. Transports
// are added before Start.
func NewManager(cfg ManagerConfig, routes *routing.RoutingTable) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("transport: node ID required")
	}
	if routes == nil {
		return nil, fmt.Errorf("transport: routing table required")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Manager{
		cfg:       cfg,
		routes:    routes,
		endpoints: NewEndpointRegistry(),
		paths:     make(map[pathKey]bool),
		health:    make(map[pathKey]*linkHealth),
	}, nil
}

// AddTransport registers a transport, kept ordered by cost hint so
// fallback iteration prefers cheaper links.
func (m *Manager) AddTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = append(m.transports, t)
	sort.SliceStable(m.transports, func(i, j int) bool {
		return m.transports[i].CostHint() < m.transports[j].CostHint()
	})
}

// Start brings up every transport and the probe/refresh loops. A single
// transport failing to start is logged and skipped; the node keeps
// whatever paths it can get.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("transport manager already running")
	}
	transports := append([]Transport(nil), m.transports...)
	m.mu.Unlock()

	started := 0
	for _, t := range transports {
		if err := t.Start(); err != nil {
			log.Printf("[Transport] %s failed to start: %v", t.Kind(), err)
			continue
		}
		started++
	}
	if started == 0 && len(transports) > 0 {
		return fmt.Errorf("no transport could start")
	}

	m.mu.Lock()
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(2)
	m.mu.Unlock()
	go m.probeLoop()
	go m.refreshLoop()
	log.Printf("[Transport] manager started (%d/%d transports up)", started, len(transports))
	return nil
}

// Stop shuts down transports first so no new inbound arrives, then
// drains the loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	transports := append([]Transport(nil), m.transports...)
	m.mu.Unlock()

	for _, t := range transports {
		t.Stop()
	}
	m.wg.Wait()
	log.Printf("[Transport] manager stopped")
}

// ConnectPeer dials the peer on every available transport concurrently.
// Transports that need endpoint hints get whatever the registry has.
func (m *Manager) ConnectPeer(nodeID string) {
	if nodeID == "" || nodeID == m.cfg.NodeID {
		return
	}
	var hints *gossip.EndpointInfo
	if info, ok := m.endpoints.Get(nodeID); ok {
		hints = &info
	}

	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	for _, t := range m.transports {
		if !t.Available() || t.Connected(nodeID) {
			continue
		}
		m.wg.Add(1)
		go func(t Transport) {
			defer m.wg.Done()
			if err := t.Connect(nodeID, hints); err != nil {
				log.Printf("[Transport] %s connect %s: %v", t.Kind(), nodeID, err)
			}
		}(t)
	}
	m.mu.RUnlock()
}

// SendToPeer sends on the lowest-cost non-stale route, falling back to
// every other live path before giving up. Only a total failure reaches
// the caller.
func (m *Manager) SendToPeer(nodeID string, data []byte) error {
	order := m.sendOrder(nodeID)
	if len(order) == 0 {
		return fmt.Errorf("no transport connected to %s: %w", nodeID, ErrNotConnected)
	}

	var lastErr error
	for i, t := range order {
		err := t.Send(nodeID, data)
		if err == nil {
			metricSends.Add(bgCtx, 1)
			if i > 0 {
				metricFailovers.Add(bgCtx, 1)
			}
			return nil
		}
		lastErr = err
		metricSendFailures.Add(bgCtx, 1)
		log.Printf("[Transport] %s send to %s failed: %v (trying next)", t.Kind(), nodeID, err)
	}
	return fmt.Errorf("all transports to %s failed: %w", nodeID, lastErr)
}

// SendEnvelope stamps the sender and ships the envelope to the peer.
func (m *Manager) SendEnvelope(nodeID string, env *Envelope) error {
	if env.From == "" {
		env.From = m.cfg.NodeID
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return m.SendToPeer(nodeID, data)
}

// sendOrder returns connected transports for the peer, best route first,
// then remaining live paths by cost hint.
func (m *Manager) sendOrder(nodeID string) []Transport {
	m.mu.RLock()
	transports := append([]Transport(nil), m.transports...)
	m.mu.RUnlock()

	byKind := make(map[routing.TransportKind]Transport, len(transports))
	for _, t := range transports {
		if t.Connected(nodeID) {
			byKind[t.Kind()] = t
		}
	}
	if len(byKind) == 0 {
		return nil
	}

	order := make([]Transport, 0, len(byKind))
	seen := make(map[routing.TransportKind]bool, len(byKind))
	if best := m.routes.GetBestRoute(nodeID); best != nil {
		if t, ok := byKind[best.Transport]; ok {
			order = append(order, t)
			seen[best.Transport] = true
		}
	}
	for _, route := range m.routes.Routes(nodeID) {
		if seen[route.Transport] {
			continue
		}
		if t, ok := byKind[route.Transport]; ok {
			order = append(order, t)
			seen[route.Transport] = true
		}
	}
	// Paths with no routing entry yet still count; cost-hint order.
	for _, t := range transports {
		if seen[t.Kind()] {
			continue
		}
		if live, ok := byKind[t.Kind()]; ok {
			order = append(order, live)
			seen[t.Kind()] = true
		}
	}
	return order
}

// Broadcast fans bytes out over every available transport.
func (m *Manager) Broadcast(data []byte) {
	m.mu.RLock()
	transports := append([]Transport(nil), m.transports...)
	m.mu.RUnlock()
	for _, t := range transports {
		if t.Available() {
			t.Broadcast(data)
		}
	}
	metricBroadcasts.Add(bgCtx, 1)
}

// LocalEndpoints snapshots this node's reachability for gossip.
func (m *Manager) LocalEndpoints() *gossip.EndpointInfo {
	return &gossip.EndpointInfo{
		NodeID:      m.cfg.NodeID,
		LocalIPs:    localIPs(),
		LocalPort:   m.cfg.ListenPort,
		RelayURL:    m.cfg.RelayURL,
		LastUpdated: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// LearnEndpoints merges a peer snapshot from gossip and dials any new
// addresses.
func (m *Manager) LearnEndpoints(info gossip.EndpointInfo) {
	if info.NodeID == "" || info.NodeID == m.cfg.NodeID {
		return
	}
	if m.endpoints.Learn(info) {
		m.ConnectPeer(info.NodeID)
	}
}

// ConnectedPeers lists node IDs with at least one live path.
func (m *Manager) ConnectedPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	for key, live := range m.paths {
		if live {
			set[key.nodeID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeerTransports lists the live path kinds toward one peer.
func (m *Manager) PeerTransports(nodeID string) []routing.TransportKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var kinds []routing.TransportKind
	for key, live := range m.paths {
		if live && key.nodeID == nodeID {
			kinds = append(kinds, key.kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PeerDiscovered implements Sink. Discovery hints land in the registry
// and trigger a connect-all pass.
func (m *Manager) PeerDiscovered(nodeID string, hints *gossip.EndpointInfo) {
	if nodeID == "" || nodeID == m.cfg.NodeID {
		return
	}
	if hints != nil {
		m.endpoints.Learn(*hints)
	}
	m.ConnectPeer(nodeID)
}

// PeerConnected implements Sink. The first path up announces the peer;
// every path seeds a routing entry so send ordering works before the
// first probe lands.
func (m *Manager) PeerConnected(nodeID string, kind routing.TransportKind) {
	if nodeID == "" || nodeID == m.cfg.NodeID {
		return
	}
	key := pathKey{nodeID, kind}

	m.mu.Lock()
	first := !m.hasPathLocked(nodeID)
	m.paths[key] = true
	if _, ok := m.health[key]; !ok {
		m.health[key] = &linkHealth{latencyMS: m.seedLatencyLocked(kind), reliability: 1.0}
	}
	seed := m.health[key].latencyMS
	m.mu.Unlock()

	m.routes.Update(routing.RouteEntry{
		Destination: nodeID,
		Transport:   kind,
		NextHop:     nodeID,
		Hops:        1,
		LatencyMS:   seed,
		Reliability: 1.0,
	})
	metricPathsUp.Add(bgCtx, 1)
	if first && m.cfg.OnPeerUp != nil {
		m.cfg.OnPeerUp(nodeID)
	}
}

// PeerDisconnected implements Sink. Dropping the last path invalidates
// the peer everywhere.
func (m *Manager) PeerDisconnected(nodeID string, kind routing.TransportKind) {
	key := pathKey{nodeID, kind}

	m.mu.Lock()
	if !m.paths[key] {
		m.mu.Unlock()
		return
	}
	delete(m.paths, key)
	delete(m.health, key)
	last := !m.hasPathLocked(nodeID)
	m.mu.Unlock()

	m.routes.RemoveRoute(nodeID, kind)
	metricPathsUp.Add(bgCtx, -1)
	if last {
		m.routes.RemovePeer(nodeID)
		if m.cfg.OnPeerLost != nil {
			m.cfg.OnPeerLost(nodeID)
		}
		log.Printf("[Transport] peer %s unreachable (all paths down)", nodeID)
	}
}

// Inbound implements Sink: one demux for every transport's frames.
func (m *Manager) Inbound(from string, kind routing.TransportKind, data []byte) {
	metricInbound.Add(bgCtx, 1)
	env, err := DecodeEnvelope(data)
	if err != nil {
		log.Printf("[Transport] dropping malformed frame from %s: %v", from, err)
		return
	}
	if env.From == "" {
		env.From = from
	}

	switch env.Type {
	case EnvGossip:
		raw, err := env.GossipBytes()
		if err != nil {
			log.Printf("[Transport] dropping gossip from %s: %v", from, err)
			return
		}
		if m.cfg.OnGossip != nil {
			m.cfg.OnGossip(from, raw)
		}
	case EnvPing:
		pong := Envelope{Type: EnvPong, From: m.cfg.NodeID, To: from, Timestamp: env.Timestamp}
		reply, _ := pong.Encode()
		m.sendOn(kind, from, reply)
	case EnvPong:
		m.recordPong(from, kind, env.Timestamp)
	case EnvHello:
		// Handshake frames are consumed by the transports themselves.
	case EnvMessage, EnvChatRequest, EnvLLMRequest, EnvRouteRequest,
		EnvChatResponse, EnvLLMResponse, EnvRouteResponse:
		if m.cfg.OnEnvelope != nil {
			m.cfg.OnEnvelope(from, kind, env)
		}
	default:
		log.Printf("[Transport] dropping unknown %q frame from %s", env.Type, from)
	}
}

// sendOn sends on one specific transport, used for probe traffic that
// must measure that path and not the best one.
func (m *Manager) sendOn(kind routing.TransportKind, nodeID string, data []byte) {
	m.mu.RLock()
	var target Transport
	for _, t := range m.transports {
		if t.Kind() == kind {
			target = t
			break
		}
	}
	m.mu.RUnlock()
	if target == nil || !target.Connected(nodeID) {
		return
	}
	if err := target.Send(nodeID, data); err != nil {
		log.Printf("[Transport] %s probe send to %s: %v", kind, nodeID, err)
	}
}

func (m *Manager) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

// probeAll pings every live path. A probe still awaiting its pong from
// the previous round counts as a miss before the new one goes out.
func (m *Manager) probeAll() {
	m.mu.Lock()
	targets := make([]pathKey, 0, len(m.paths))
	for key, live := range m.paths {
		if !live {
			continue
		}
		h := m.health[key]
		if h == nil {
			h = &linkHealth{latencyMS: m.seedLatencyLocked(key.kind), reliability: 1.0}
			m.health[key] = h
		}
		if h.awaiting {
			h.reliability = ema(h.reliability, 0)
			m.routes.Refresh(key.nodeID, key.kind, h.latencyMS, h.reliability)
		}
		h.awaiting = true
		targets = append(targets, key)
	}
	m.mu.Unlock()

	for _, key := range targets {
		ping := Envelope{Type: EnvPing, From: m.cfg.NodeID, To: key.nodeID, Timestamp: time.Now().UnixNano()}
		data, _ := ping.Encode()
		m.sendOn(key.kind, key.nodeID, data)
		metricProbes.Add(bgCtx, 1)
	}
}

// recordPong folds a round-trip sample into the path health and pushes
// the refreshed cost into the routing table.
func (m *Manager) recordPong(nodeID string, kind routing.TransportKind, sentNanos int64) {
	rttMS := float64(time.Now().UnixNano()-sentNanos) / float64(time.Millisecond)
	if rttMS < 0 {
		rttMS = 0
	}

	m.mu.Lock()
	key := pathKey{nodeID, kind}
	h := m.health[key]
	if h == nil {
		m.mu.Unlock()
		return
	}
	h.awaiting = false
	h.latencyMS = ema(h.latencyMS, rttMS)
	h.reliability = ema(h.reliability, 1)
	lat, rel := h.latencyMS, h.reliability
	m.mu.Unlock()

	m.routes.Refresh(nodeID, kind, lat, rel)
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refresh()
		case <-m.stopCh:
			return
		}
	}
}

// refresh prunes dead state and re-dials peers we know endpoints for
// but have no live path to.
func (m *Manager) refresh() {
	m.endpoints.Prune(DefaultEndpointTTL)
	m.routes.CleanupStale()

	for _, nodeID := range m.endpoints.NodeIDs() {
		m.mu.RLock()
		connected := m.hasPathLocked(nodeID)
		m.mu.RUnlock()
		if !connected {
			m.ConnectPeer(nodeID)
		}
	}
}

func (m *Manager) hasPathLocked(nodeID string) bool {
	for key, live := range m.paths {
		if live && key.nodeID == nodeID {
			return true
		}
	}
	return false
}

func (m *Manager) seedLatencyLocked(kind routing.TransportKind) float64 {
	for _, t := range m.transports {
		if t.Kind() == kind {
			return t.CostHint() * seedLatencyScale
		}
	}
	return seedLatencyScale
}

func ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev*(1-healthAlpha) + sample*healthAlpha
}
