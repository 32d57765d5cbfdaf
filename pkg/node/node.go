// Package node assembles one mesh member: identity, embedding engine,
// gradient and routing tables, gossip, capability router, transports,
// and optional WAN discovery. It owns every long-lived component and is
// the only package that wires them together.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/pkg/discovery"
	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
	"github.com/atmosphere-mesh/atmosphere/pkg/identity"
	"github.com/atmosphere-mesh/atmosphere/pkg/router"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

const (
	// maintenanceInterval drives device flushes and relay-table sweeps.
	maintenanceInterval = 30 * time.Second
	// embedProbeTimeout bounds the embedding backend reachability check
	// at construction.
	embedProbeTimeout = 5 * time.Second
)

// Node is one running mesh member.
type Node struct {
	cfg      *Config
	stateDir string
	name     string

	identity *identity.NodeIdentity
	mesh     *identity.MeshIdentity
	secrets  *identity.MeshSecrets
	nonces   *identity.NonceStore

	engine       *embedding.Engine
	embedBackend string
	gradient     *routing.GradientTable
	routes       *routing.RoutingTable
	router       *router.CapabilityRouter
	projects     *router.FastProjectRouter
	gossip       *gossip.Engine
	manager      *transport.Manager
	lan          *transport.LANTransport
	relay        *transport.RelayTransport
	dht          *discovery.DHTDiscovery

	devices *DeviceRegistry
	pending *pendingTable
	relays  *relayTable

	mu       sync.Mutex
	executor Executor
	running  bool
	started  time.Time
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode loads state from stateDir and wires every component. The node
// does not touch the network until Start, except for one embedding
// backend probe (which falls back to the hash embedder on failure).
func NewNode(stateDir string, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ident, err := identity.LoadNodeIdentity(filepath.Join(stateDir, IdentityFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}
	mesh, secrets, err := identity.LoadMesh(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load mesh: %w", err)
	}
	devices, err := LoadDevices(filepath.Join(stateDir, DevicesFileName))
	if err != nil {
		return nil, err
	}

	name := cfg.NodeName
	if name == "" {
		name = ident.Name
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		stateDir: stateDir,
		name:     name,
		identity: ident,
		mesh:     mesh,
		secrets:  secrets,
		nonces:   identity.NewNonceStore(),
		devices:  devices,
		pending:  newPendingTable(),
		relays:   newRelayTable(),
		executor: EchoExecutor{},
		ctx:      ctx,
		cancel:   cancel,
	}

	n.engine, n.embedBackend = buildEmbedder(ctx, cfg)
	n.gradient = routing.NewGradientTable(cfg.GradientCapacity, cfg.GradientTTL())
	n.routes = routing.NewRoutingTable()

	n.router, err = router.NewCapabilityRouter(router.RouterConfig{
		NodeID:            ident.NodeID(),
		Embedder:          n.engine,
		Gradient:          n.gradient,
		MatchThreshold:    cfg.MatchThreshold,
		MinRouteThreshold: cfg.MinRouteThreshold,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	n.manager, err = transport.NewManager(transport.ManagerConfig{
		NodeID:     ident.NodeID(),
		ListenPort: cfg.ListenPort,
		RelayURL:   cfg.RelayURL,
		OnGossip:   n.onGossip,
		OnEnvelope: n.handleEnvelope,
		OnPeerUp:   n.onPeerUp,
		OnPeerLost: n.onPeerLost,
	}, n.routes)
	if err != nil {
		cancel()
		return nil, err
	}

	n.lan, err = transport.NewLANTransport(transport.LANConfig{
		NodeID:       ident.NodeID(),
		MeshID:       mesh.MeshID,
		NodeName:     name,
		Port:         cfg.ListenPort,
		MDNS:         cfg.MDNS,
		Capabilities: n.capabilityLabels,
		OnPeerMeta:   n.onPeerMeta,
		JoinHandler:  n.handleJoinRequest,
	}, n.manager)
	if err != nil {
		cancel()
		return nil, err
	}
	n.manager.AddTransport(n.lan)

	if cfg.RelayURL != "" {
		relayCfg := transport.RelayConfig{
			URL:           cfg.RelayURL,
			NodeID:        ident.NodeID(),
			NodeName:      name,
			MeshID:        mesh.MeshID,
			MeshName:      mesh.Name,
			MeshPublicKey: mesh.MasterPublicKey,
			NodePublicKey: identity.EncodePublicKey(ident.PublicKey()),
			Capabilities:  n.capabilityLabels,
			OnPeerMeta:    n.onPeerMeta,
		}
		if mesh.IsFounder(ident.NodeID()) && secrets != nil {
			masterKey, keyErr := secrets.MasterPrivateKey(mesh)
			if keyErr != nil {
				log.Printf("[Node] relay: joining as member, master key unavailable: %v", keyErr)
			} else {
				relayCfg.Founder = true
				relayCfg.FounderKey = masterKey
			}
		}
		n.relay, err = transport.NewRelayTransport(relayCfg, n.manager)
		if err != nil {
			cancel()
			return nil, err
		}
		n.manager.AddTransport(n.relay)
	}

	n.gossip, err = gossip.NewEngine(gossip.Config{
		NodeID:            ident.NodeID(),
		AnnounceInterval:  cfg.GossipInterval(),
		MaxTTL:            cfg.AnnounceTTL,
		VectorDim:         n.engine.Dimension(),
		LocalCapabilities: n.router.WireCapabilities,
		Endpoints:         n.manager.LocalEndpoints,
		Resources:         gossip.ReadResources,
		Broadcast:         n.broadcastGossip,
		LearnEndpoints:    n.manager.LearnEndpoints,
	}, n.gradient, n.routes)
	if err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

// buildEmbedder picks the configured backend, falling back to the
// deterministic hash embedder when the neural backend is unreachable.
// The mesh still converges on the fallback; scores are just coarser.
func buildEmbedder(ctx context.Context, cfg *Config) (*embedding.Engine, string) {
	if cfg.EmbeddingBackend == "neural" {
		probeCtx, cancel := context.WithTimeout(ctx, embedProbeTimeout)
		defer cancel()
		engine, err := embedding.NewNeuralEngine(probeCtx, cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingCache)
		if err == nil {
			return engine, "neural"
		}
		log.Printf("[Node] embedding backend %s unreachable (%v), using hash fallback", cfg.EmbeddingURL, err)
	}
	return embedding.NewEngine(embedding.NewHashEmbedder(embedding.DefaultDimension), cfg.EmbeddingCache), "hash"
}

// ID returns the node's 16-hex identifier.
func (n *Node) ID() string { return n.identity.NodeID() }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Mesh returns the mesh metadata this node belongs to.
func (n *Node) Mesh() *identity.MeshIdentity { return n.mesh }

// IsFounder reports whether this node is a founding member.
func (n *Node) IsFounder() bool { return n.mesh.IsFounder(n.identity.NodeID()) }

// SetExecutor installs the capability executor. Call before Start;
// without one, execution requests answer with an error.
func (n *Node) SetExecutor(ex Executor) {
	n.mu.Lock()
	n.executor = ex
	n.mu.Unlock()
}

func (n *Node) currentExecutor() Executor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.executor
}

// Start brings up transports, registers configured capabilities, loads
// projects, and launches gossip plus optional DHT discovery.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("node already running")
	}
	n.running = true
	n.started = time.Now()
	n.mu.Unlock()

	log.Printf("[Node] starting %s (%s) in mesh %s (%s)", n.name, n.ID(), n.mesh.Name, n.mesh.MeshID)

	if err := n.manager.Start(); err != nil {
		return fmt.Errorf("failed to start transports: %w", err)
	}

	for _, c := range n.cfg.Capabilities {
		regCtx, cancel := context.WithTimeout(n.ctx, embedProbeTimeout)
		_, err := n.router.RegisterCapability(regCtx, c.Label, c.Description, c.Handler, c.Models, nil)
		cancel()
		if err != nil {
			log.Printf("[Node] failed to register capability %q: %v", c.Label, err)
			continue
		}
		log.Printf("[Node] registered capability %q", c.Label)
	}

	if n.cfg.ProjectsFile != "" {
		if err := n.loadProjects(); err != nil {
			log.Printf("[Node] project router disabled: %v", err)
		}
	}

	if err := n.gossip.Start(); err != nil {
		n.manager.Stop()
		return err
	}

	if n.cfg.DHT {
		if err := n.startDHT(); err != nil {
			n.gossip.Stop()
			n.manager.Stop()
			return fmt.Errorf("failed to start DHT discovery: %w", err)
		}
	}

	n.wg.Add(1)
	go n.maintenanceLoop()
	return nil
}

func (n *Node) loadProjects() error {
	projects, err := router.LoadProjects(n.cfg.ProjectsFile)
	if err != nil {
		return err
	}
	cachePath := filepath.Join(n.stateDir, "projects.cache")
	pr, err := router.NewFastProjectRouter(n.ctx, n.engine, projects, cachePath)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.projects = pr
	n.mu.Unlock()
	log.Printf("[Node] project router ready (%d projects)", len(projects))
	return nil
}

func (n *Node) projectRouter() *router.FastProjectRouter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.projects
}

// startDHT announces the actually bound LAN port, so it runs after the
// transports.
func (n *Node) startDHT() error {
	dht, err := discovery.NewDHTDiscovery(discovery.Config{
		MeshID:        n.mesh.MeshID,
		MeshPublicKey: n.mesh.MasterPublicKey,
		ListenPort:    n.lan.Port(),
		DHTPort:       n.cfg.DHTPort,
		StateDir:      n.stateDir,
		OnPeerAddr:    n.onDHTAddr,
	})
	if err != nil {
		return err
	}
	if err := dht.Start(); err != nil {
		return err
	}
	n.dht = dht
	return nil
}

// Stop shuts everything down in reverse start order and drains the
// request goroutines before flushing state.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	log.Printf("[Node] stopping")
	n.cancel()
	if n.dht != nil {
		n.dht.Stop()
	}
	n.gossip.Stop()
	n.manager.Stop()
	n.wg.Wait()
	if err := n.devices.Flush(); err != nil {
		log.Printf("[Node] failed to flush devices: %v", err)
	}
	log.Printf("[Node] stopped")
}

// Run starts the node and blocks until the context is cancelled or a
// termination signal arrives, then shuts down cleanly.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("[Node] received signal %v, shutting down", sig)
	case <-ctx.Done():
		log.Printf("[Node] context cancelled, shutting down")
	case <-n.ctx.Done():
	}
	n.Stop()
	return nil
}

// spawn runs fn on a tracked goroutine unless the node is stopping.
func (n *Node) spawn(fn func()) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := n.relays.sweep(); removed > 0 {
				log.Printf("[Node] swept %d expired relay entries", removed)
			}
			n.nonces.Cleanup()
			if err := n.devices.Flush(); err != nil {
				log.Printf("[Node] failed to flush devices: %v", err)
			}
		case <-n.ctx.Done():
			return
		}
	}
}

// capabilityLabels snapshots local capability labels for transport
// hellos and relay auth frames.
func (n *Node) capabilityLabels() []string {
	caps := n.router.LocalCapabilities()
	labels := make([]string, len(caps))
	for i, c := range caps {
		labels[i] = c.Label
	}
	return labels
}

func (n *Node) onGossip(fromPeer string, data []byte) {
	if err := n.gossip.HandleGossip(fromPeer, data); err != nil {
		log.Printf("[Node] gossip from %s rejected: %v", fromPeer, err)
	}
}

func (n *Node) broadcastGossip(data []byte) {
	n.manager.Broadcast(transport.WrapGossip(data))
}

func (n *Node) onPeerMeta(nodeID, name string, capabilities []string) {
	n.devices.Observe(nodeID, name, "", capabilities)
}

// onPeerUp announces immediately so a fresh peer learns our capabilities
// within a connect round trip instead of a full gossip interval.
func (n *Node) onPeerUp(nodeID string) {
	n.devices.Observe(nodeID, "", "", nil)
	n.spawn(n.gossip.AnnounceNow)
}

func (n *Node) onPeerLost(nodeID string) {
	if removed := n.gradient.InvalidateNode(nodeID); removed > 0 {
		log.Printf("[Node] invalidated %d gradient entries via %s", removed, nodeID)
	}
}

// onDHTAddr dials a rendezvous hint in the background. The hello
// exchange decides whether whoever answers actually belongs here.
func (n *Node) onDHTAddr(addr string) {
	n.spawn(func() {
		if err := n.lan.ConnectAddr(addr); err != nil {
			log.Printf("[Node] dht hint %s: %v", addr, err)
		}
	})
}

// handleEnvelope demultiplexes request/response envelopes from any
// transport. Requests are served on their own goroutines so a slow
// executor never blocks the transport read loops.
func (n *Node) handleEnvelope(from string, _ routing.TransportKind, env *transport.Envelope) {
	switch env.Type {
	case transport.EnvChatRequest, transport.EnvLLMRequest:
		n.spawn(func() { n.serveExecution(from, env) })
	case transport.EnvRouteRequest:
		n.spawn(func() { n.serveRouteRequest(from, env) })
	case transport.EnvChatResponse, transport.EnvLLMResponse, transport.EnvRouteResponse:
		n.dispatchResponse(env)
	case transport.EnvMessage:
		log.Printf("[Node] message from %s (%d bytes)", env.From, len(env.Payload))
	default:
		log.Printf("[Node] dropping %s envelope from %s", env.Type, from)
	}
}

// serveExecution answers a direct chat/llm request. The sender already
// routed the intent and picked this node; we only resolve which local
// backend runs it.
func (n *Node) serveExecution(from string, env *transport.Envelope) {
	ctx, cancel := context.WithTimeout(n.ctx, DefaultRequestTimeout)
	defer cancel()

	resp := &transport.Envelope{
		Type:      transport.EnvLLMResponse,
		To:        env.From,
		RequestID: env.RequestID,
	}
	label, routingMeta, err := n.resolveExecution(ctx, env)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Backend = label
		out, execErr := n.execute(ctx, label, requestPayload(env))
		if execErr != nil {
			resp.Error = execErr.Error()
		} else if out != nil {
			resp.Response, _ = json.Marshal(out)
		}
		if routingMeta != nil {
			resp.Routing, _ = json.Marshal(routingMeta)
		}
	}
	metricRequestsServed.Add(bgCtx, 1)
	if err := n.manager.SendEnvelope(from, resp); err != nil {
		log.Printf("[Node] failed to answer %s %s: %v", env.Type, env.RequestID, err)
	}
}

// resolveExecution picks the local backend for a direct request: the
// project router when a model is named, otherwise the strongest local
// capability for the request text.
func (n *Node) resolveExecution(ctx context.Context, env *transport.Envelope) (string, any, error) {
	if pr := n.projectRouter(); pr != nil && env.Model != "" {
		var messages []router.Message
		if len(env.Messages) > 0 {
			_ = json.Unmarshal(env.Messages, &messages)
		}
		match, err := pr.RouteModel(ctx, env.Model, messages)
		if err == nil && match != nil {
			return match.Project.Path(), match, nil
		}
	}

	text := env.Intent
	if text == "" {
		text = lastMessageText(env.Messages)
	}
	if text == "" {
		return "", nil, fmt.Errorf("request %s carries no intent or messages", env.RequestID)
	}
	c, sim, err := n.router.BestLocal(ctx, text)
	if err != nil {
		return "", nil, err
	}
	if c == nil {
		return "", nil, fmt.Errorf("no local capability for request (best score %.2f)", sim)
	}
	return execLabel(c), nil, nil
}

// serveRouteRequest re-routes a forwarded intent at this hop: execute
// here, pass it closer to a provider, or give up.
func (n *Node) serveRouteRequest(from string, env *transport.Envelope) {
	ctx, cancel := context.WithTimeout(n.ctx, DefaultRequestTimeout)
	defer cancel()

	res, err := n.router.Route(ctx, env.Intent)
	if err != nil {
		n.respondRouteError(from, env, fmt.Sprintf("routing failed: %v", err))
		return
	}

	switch res.Action {
	case router.ActionProcessLocal:
		resp := &transport.Envelope{
			Type:      transport.EnvRouteResponse,
			To:        env.From,
			RequestID: env.RequestID,
			Backend:   res.Capability.Label,
		}
		out, execErr := n.execute(ctx, execLabel(res.Capability), requestPayload(env))
		if execErr != nil {
			resp.Error = execErr.Error()
		} else if out != nil {
			resp.Response, _ = json.Marshal(out)
		}
		metricRequestsServed.Add(bgCtx, 1)
		if err := n.manager.SendEnvelope(from, resp); err != nil {
			log.Printf("[Node] failed to answer route request %s: %v", env.RequestID, err)
		}

	case router.ActionForward:
		// Never hand the request back to where it came from; without a
		// better next hop this node is the end of the line.
		if res.NextHop == from || res.NextHop == env.From {
			n.respondRouteError(from, env, "no closer provider")
			return
		}
		n.relays.put(env.RequestID, from, DefaultRequestTimeout)
		fwd := *env
		fwd.To = res.NextHop
		if err := n.manager.SendEnvelope(res.NextHop, &fwd); err != nil {
			n.relays.take(env.RequestID)
			n.respondRouteError(from, env, fmt.Sprintf("forward to %s failed", res.NextHop))
			return
		}
		metricRequestsRelayed.Add(bgCtx, 1)
		log.Printf("[Node] relayed request %s toward %s (score %.2f)", env.RequestID, res.NextHop, res.AdjustedScore)

	default:
		n.respondRouteError(from, env, fmt.Sprintf("no capability above threshold (best %.2f)", res.Score))
	}
}

func (n *Node) respondRouteError(to string, env *transport.Envelope, msg string) {
	resp := &transport.Envelope{
		Type:      transport.EnvRouteResponse,
		To:        env.From,
		RequestID: env.RequestID,
		Error:     msg,
	}
	if err := n.manager.SendEnvelope(to, resp); err != nil {
		log.Printf("[Node] failed to report route error for %s: %v", env.RequestID, err)
	}
}

// dispatchResponse settles a response future, retraces a relayed hop, or
// drops a reply whose request is gone.
func (n *Node) dispatchResponse(env *transport.Envelope) {
	if env.RequestID == "" {
		log.Printf("[Node] dropping %s without request id", env.Type)
		return
	}
	if n.pending.resolve(env.RequestID, env) {
		return
	}
	if peer, ok := n.relays.take(env.RequestID); ok {
		fwd := *env
		fwd.To = peer
		if err := n.manager.SendEnvelope(peer, &fwd); err != nil {
			log.Printf("[Node] failed to relay response %s back to %s: %v", env.RequestID, peer, err)
		}
		return
	}
	metricLateReplies.Add(bgCtx, 1)
	log.Printf("[Node] dropping late %s for request %s", env.Type, env.RequestID)
}

// IntentResult is the outcome of routing and executing one intent.
type IntentResult struct {
	Action     router.Action  `json:"action"`
	Capability string         `json:"capability,omitempty"`
	Score      float64        `json:"score"`
	Hops       int            `json:"hops,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Backend    string         `json:"backend,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// RouteIntent routes a natural-language intent and carries it to
// completion: local execution, a forwarded request with a response
// future, or a no-match error.
func (n *Node) RouteIntent(ctx context.Context, intent string, payload map[string]any) (*IntentResult, error) {
	res, err := n.router.Route(ctx, intent)
	if err != nil {
		return nil, err
	}

	out := &IntentResult{Action: res.Action, Score: res.Score, Hops: res.Hops}
	switch res.Action {
	case router.ActionProcessLocal:
		metricIntentsLocal.Add(bgCtx, 1)
		out.Capability = res.Capability.Label
		out.Provider = n.ID()
		out.Backend = execLabel(res.Capability)
		data, execErr := n.execute(ctx, execLabel(res.Capability), payload)
		if execErr != nil {
			return nil, fmt.Errorf("local execution of %q failed: %w", res.Capability.Label, execErr)
		}
		out.Output = data
		return out, nil

	case router.ActionForward:
		metricIntentsForwarded.Add(bgCtx, 1)
		out.Capability = res.CapabilityID
		return n.forwardIntent(ctx, intent, payload, res, out)

	default:
		metricIntentsUnmatched.Add(bgCtx, 1)
		return out, fmt.Errorf("no capability matches %q (best score %.2f)", intent, res.Score)
	}
}

func (n *Node) forwardIntent(ctx context.Context, intent string, payload map[string]any, res *router.RouteResult, out *IntentResult) (*IntentResult, error) {
	reqID := uuid.NewString()
	env := &transport.Envelope{
		Type:      transport.EnvRouteRequest,
		To:        res.NextHop,
		RequestID: reqID,
		Intent:    intent,
	}
	if payload != nil {
		env.Payload, _ = json.Marshal(payload)
	}

	ch := n.pending.create(reqID)
	if err := n.manager.SendEnvelope(res.NextHop, env); err != nil {
		n.pending.drop(reqID)
		return nil, fmt.Errorf("forward to %s failed: %w", res.NextHop, err)
	}

	timer := time.NewTimer(DefaultRequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("remote execution failed: %s", resp.Error)
		}
		out.Provider = resp.From
		out.Backend = resp.Backend
		if len(resp.Response) > 0 {
			_ = json.Unmarshal(resp.Response, &out.Output)
		}
		return out, nil
	case <-timer.C:
		n.pending.drop(reqID)
		metricRequestTimeouts.Add(bgCtx, 1)
		return nil, fmt.Errorf("request %s timed out after %s", reqID, DefaultRequestTimeout)
	case <-ctx.Done():
		n.pending.drop(reqID)
		return nil, ctx.Err()
	}
}

// RegisterCapability adds a capability at runtime and announces it
// immediately.
func (n *Node) RegisterCapability(ctx context.Context, label, description, handler string, models []string) (*router.Capability, error) {
	c, err := n.router.RegisterCapability(ctx, label, description, handler, models, nil)
	if err != nil {
		return nil, err
	}
	n.spawn(n.gossip.AnnounceNow)
	return c, nil
}

func (n *Node) execute(ctx context.Context, label string, payload map[string]any) (map[string]any, error) {
	ex := n.currentExecutor()
	if ex == nil {
		return nil, errNoExecutor
	}
	return ex.Execute(ctx, label, payload)
}

// execLabel is the routing key handed to the executor.
func execLabel(c *router.Capability) string {
	if c.Handler != "" {
		return c.Handler
	}
	return c.Label
}

// requestPayload flattens an envelope's payload, messages, and model
// into the executor's kwargs map.
func requestPayload(env *transport.Envelope) map[string]any {
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	if len(env.Messages) > 0 {
		var msgs any
		if json.Unmarshal(env.Messages, &msgs) == nil {
			payload["messages"] = msgs
		}
	}
	if env.Model != "" {
		payload["model"] = env.Model
	}
	if env.Intent != "" {
		payload["intent"] = env.Intent
	}
	return payload
}

// lastMessageText pulls the last user content out of a raw messages
// array for intent matching.
func lastMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var messages []router.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// PeerStatus is one live peer in a status snapshot.
type PeerStatus struct {
	NodeID     string   `json:"node_id"`
	Name       string   `json:"name,omitempty"`
	Transports []string `json:"transports"`
}

// Status is the control-plane snapshot of a running node.
type Status struct {
	NodeID           string       `json:"node_id"`
	Name             string       `json:"name"`
	MeshID           string       `json:"mesh_id"`
	MeshName         string       `json:"mesh_name"`
	Founder          bool         `json:"founder"`
	StartedAt        time.Time    `json:"started_at"`
	UptimeSec        int64        `json:"uptime_sec"`
	Peers            []PeerStatus `json:"peers"`
	Capabilities     []string     `json:"capabilities"`
	GradientEntries  int          `json:"gradient_entries"`
	RouteEntries     int          `json:"route_entries"`
	PendingRequests  int          `json:"pending_requests"`
	KnownDevices     int          `json:"known_devices"`
	EmbeddingBackend string       `json:"embedding_backend"`
	EmbeddingDim     int          `json:"embedding_dim"`
	DHT              bool         `json:"dht"`
	RelayURL         string       `json:"relay_url,omitempty"`
}

// Status snapshots the node for the control socket and CLI.
func (n *Node) Status() *Status {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	s := &Status{
		NodeID:           n.ID(),
		Name:             n.name,
		MeshID:           n.mesh.MeshID,
		MeshName:         n.mesh.Name,
		Founder:          n.IsFounder(),
		StartedAt:        started,
		UptimeSec:        uptime,
		Peers:            n.Peers(),
		Capabilities:     n.capabilityLabels(),
		GradientEntries:  n.gradient.Len(),
		RouteEntries:     n.routes.Len(),
		PendingRequests:  n.pending.len(),
		KnownDevices:     n.devices.Len(),
		EmbeddingBackend: n.embedBackend,
		EmbeddingDim:     n.engine.Dimension(),
		DHT:              n.cfg.DHT,
		RelayURL:         n.cfg.RelayURL,
	}
	return s
}

// Peers lists currently connected peers with their live transports.
func (n *Node) Peers() []PeerStatus {
	ids := n.manager.ConnectedPeers()
	out := make([]PeerStatus, 0, len(ids))
	for _, id := range ids {
		ps := PeerStatus{NodeID: id}
		if dev, ok := n.devices.Get(id); ok {
			ps.Name = dev.Name
		}
		for _, kind := range n.manager.PeerTransports(id) {
			ps.Transports = append(ps.Transports, string(kind))
		}
		out = append(out, ps)
	}
	return out
}

// Devices returns the persistent device registry contents.
func (n *Node) Devices() []Device {
	return n.devices.Snapshot()
}

// SetDeviceTrust updates the trust level of a known device and returns
// the updated entry.
func (n *Node) SetDeviceTrust(nodeID, trust string) (Device, error) {
	if err := n.devices.SetTrust(nodeID, trust); err != nil {
		return Device{}, err
	}
	dev, _ := n.devices.Get(nodeID)
	return dev, nil
}

// LocalCapabilities lists this node's registered capabilities.
func (n *Node) LocalCapabilities() []*router.Capability {
	return n.router.LocalCapabilities()
}

// GradientEntries exports known remote capabilities for inspection.
func (n *Node) GradientEntries() []routing.GradientEntry {
	return n.gradient.ExportForGossip(0)
}
