package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
	"github.com/atmosphere-mesh/atmosphere/pkg/relay"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

const (
	relayCostHint     = 0.6
	relayPingInterval = 20 * time.Second
	// relayIdleWait allows two missed pong replies before the read loop
	// declares the session dead.
	relayIdleWait = 50 * time.Second
	authWait      = 10 * time.Second
)

// backoffSchedule paces reconnect attempts. The last step repeats until
// the relay answers again; a successful auth rewinds to the start.
var backoffSchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// RelayConfig configures the relay client transport.
type RelayConfig struct {
	// URL of the relay WebSocket endpoint, e.g. wss://relay.example.com/ws.
	URL      string
	NodeID   string
	NodeName string
	MeshID   string
	// MeshName is the display name sent with a founder registration.
	MeshName string
	// MeshPublicKey is the base64 mesh master public key.
	MeshPublicKey string
	// Founder selects register_mesh over join as the auth frame.
	Founder bool
	// FounderKey signs the registration proof. Required when Founder.
	FounderKey    ed25519.PrivateKey
	NodePublicKey string
	Capabilities  func() []string
	// OnPeerMeta receives display names and capability labels from
	// peer_joined notifications. May be nil.
	OnPeerMeta func(nodeID, name string, capabilities []string)
}

// RelayTransport keeps one authenticated session to the mesh's home
// relay, reconnecting on a fixed backoff whenever it drops. Peers seen
// on the relay roster are reachable without any per-peer dialing.
type RelayTransport struct {
	cfg  RelayConfig
	sink Sink

	mu      sync.Mutex
	sess    *relaySession
	roster  map[string]bool
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type relaySession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (s *relaySession) writeFrame(f *relay.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *relaySession) close() {
	s.once.Do(func() { s.conn.Close() })
}

// NewRelayTransport builds the transport. Nothing connects until Start.
func NewRelayTransport(cfg RelayConfig, sink Sink) (*RelayTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay transport: URL required")
	}
	if cfg.NodeID == "" || cfg.MeshID == "" {
		return nil, fmt.Errorf("relay transport: node and mesh IDs required")
	}
	if cfg.Founder && len(cfg.FounderKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("relay transport: founder registration needs the mesh master key")
	}
	if sink == nil {
		return nil, fmt.Errorf("relay transport: sink required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayTransport{
		cfg:    cfg,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *RelayTransport) Kind() routing.TransportKind { return routing.TransportRelay }
func (t *RelayTransport) CostHint() float64           { return relayCostHint }

// Start launches the session supervisor.
func (t *RelayTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("relay transport already running")
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.supervise()
	return nil
}

// Stop tears down the current session and halts reconnecting.
func (t *RelayTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	sess := t.sess
	t.mu.Unlock()

	t.cancel()
	if sess != nil {
		sess.close()
	}
	t.wg.Wait()
	log.Printf("[Transport] relay client stopped")
}

// Available reports an authenticated relay session.
func (t *RelayTransport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// supervise runs sessions back to back, walking the backoff schedule on
// failures and rewinding it after each successful authentication.
func (t *RelayTransport) supervise() {
	defer t.wg.Done()
	attempt := 0
	for {
		authed, err := t.runSession()
		if t.ctx.Err() != nil {
			return
		}
		if authed {
			attempt = 0
		}
		wait := backoffSchedule[attempt]
		if attempt < len(backoffSchedule)-1 {
			attempt++
		}
		if err != nil {
			log.Printf("[Transport] relay session ended: %v (reconnecting in %s)", err, wait)
		}
		select {
		case <-time.After(wait):
		case <-t.ctx.Done():
			return
		}
	}
}

// runSession dials, authenticates, and pumps frames until the connection
// dies. Returns whether authentication succeeded.
func (t *RelayTransport) runSession() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(t.ctx, t.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	conn.SetReadLimit(relay.MaxFrameBytes)
	sess := &relaySession{conn: conn}

	reply, err := t.authenticate(sess)
	if err != nil {
		sess.close()
		return false, err
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		sess.close()
		return true, nil
	}
	t.sess = sess
	t.roster = make(map[string]bool, len(reply.Peers))
	for _, id := range reply.Peers {
		if id != t.cfg.NodeID {
			t.roster[id] = true
		}
	}
	peers := rosterIDs(t.roster)
	t.mu.Unlock()

	log.Printf("[Transport] relay session up at %s (%d peers online)", t.cfg.URL, len(peers))
	for _, id := range peers {
		t.sink.PeerConnected(id, routing.TransportRelay)
	}

	stop := make(chan struct{})
	t.wg.Add(1)
	go t.pingLoop(sess, stop)

	err = t.readFrames(sess)
	close(stop)
	t.teardown(sess)
	return true, err
}

// authenticate sends the register_mesh or join frame and waits for the
// relay's acknowledgement.
func (t *RelayTransport) authenticate(sess *relaySession) (*relay.Frame, error) {
	var caps []string
	if t.cfg.Capabilities != nil {
		caps = t.cfg.Capabilities()
	}
	var f *relay.Frame
	if t.cfg.Founder {
		f = &relay.Frame{
			Type:          relay.TypeRegisterMesh,
			MeshID:        t.cfg.MeshID,
			Name:          t.cfg.MeshName,
			MeshPublicKey: t.cfg.MeshPublicKey,
			FounderProof:  relay.FounderProof(t.cfg.MeshID, t.cfg.FounderKey),
			NodeID:        t.cfg.NodeID,
			NodePublicKey: t.cfg.NodePublicKey,
			Capabilities:  caps,
		}
	} else {
		f = &relay.Frame{
			Type:         relay.TypeJoin,
			MeshID:       t.cfg.MeshID,
			NodeID:       t.cfg.NodeID,
			NodeName:     t.cfg.NodeName,
			Capabilities: caps,
		}
	}
	if err := sess.writeFrame(f); err != nil {
		return nil, fmt.Errorf("auth write: %w", err)
	}

	sess.conn.SetReadDeadline(time.Now().Add(authWait))
	_, data, err := sess.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("auth read: %w", err)
	}
	var reply relay.Frame
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("auth reply: %w", err)
	}
	switch reply.Type {
	case relay.TypeMeshRegistered, relay.TypeJoined:
		return &reply, nil
	case relay.TypeError:
		return nil, fmt.Errorf("relay rejected auth: %s", reply.Error)
	default:
		return nil, fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

// pingLoop keeps the session alive. The hub drops clients silent for
// sixty seconds.
func (t *RelayTransport) pingLoop(sess *relaySession, stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.writeFrame(&relay.Frame{Type: relay.TypePing}); err != nil {
				sess.close()
				return
			}
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *RelayTransport) readFrames(sess *relaySession) error {
	for {
		sess.conn.SetReadDeadline(time.Now().Add(relayIdleWait))
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := relay.DecodeFrame(data)
		if err != nil {
			log.Printf("[Transport] relay sent malformed frame: %v", err)
			continue
		}
		t.handleFrame(f, data)
	}
}

// handleFrame demuxes one relay frame. Opaque payloads and relay-native
// rpc frames both land in the sink as envelope bytes; roster changes map
// to peer connectivity events.
func (t *RelayTransport) handleFrame(f *relay.Frame, raw []byte) {
	switch f.Type {
	case relay.TypePong:
		// Keepalive answered.

	case relay.TypePeers:
		t.syncRoster(f.Peers)

	case relay.TypePeerJoined:
		if t.addPeer(f.NodeID) {
			if t.cfg.OnPeerMeta != nil {
				t.cfg.OnPeerMeta(f.NodeID, f.Name, f.Capabilities)
			}
			t.sink.PeerConnected(f.NodeID, routing.TransportRelay)
		}

	case relay.TypePeerLeft:
		if t.dropPeer(f.NodeID) {
			t.sink.PeerDisconnected(f.NodeID, routing.TransportRelay)
		}

	case relay.TypeMessage, relay.TypeBroadcast:
		if len(f.Payload) > 0 {
			t.sink.Inbound(f.From, routing.TransportRelay, f.Payload)
		}

	case relay.TypeChatRequest, relay.TypeLLMRequest, relay.TypeRouteRequest, relay.TypeLLMResponse:
		// Frame and Envelope share field names, so the raw bytes decode
		// directly on the other side of the sink.
		t.sink.Inbound(f.From, routing.TransportRelay, raw)

	case relay.TypeError:
		log.Printf("[Transport] relay error: %s", f.Error)
	}
}

func (t *RelayTransport) addPeer(nodeID string) bool {
	if nodeID == "" || nodeID == t.cfg.NodeID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roster == nil || t.roster[nodeID] {
		return false
	}
	t.roster[nodeID] = true
	return true
}

func (t *RelayTransport) dropPeer(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roster == nil || !t.roster[nodeID] {
		return false
	}
	delete(t.roster, nodeID)
	return true
}

// syncRoster reconciles a full peer list from the relay against the
// local roster.
func (t *RelayTransport) syncRoster(peers []string) {
	next := make(map[string]bool, len(peers))
	for _, id := range peers {
		if id != "" && id != t.cfg.NodeID {
			next[id] = true
		}
	}

	t.mu.Lock()
	if t.roster == nil {
		t.mu.Unlock()
		return
	}
	var added, removed []string
	for id := range next {
		if !t.roster[id] {
			added = append(added, id)
		}
	}
	for id := range t.roster {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	t.roster = next
	t.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	for _, id := range added {
		t.sink.PeerConnected(id, routing.TransportRelay)
	}
	for _, id := range removed {
		t.sink.PeerDisconnected(id, routing.TransportRelay)
	}
}

// teardown clears the session and reports every rostered peer as gone.
func (t *RelayTransport) teardown(sess *relaySession) {
	sess.close()
	t.mu.Lock()
	if t.sess != sess {
		t.mu.Unlock()
		return
	}
	t.sess = nil
	peers := rosterIDs(t.roster)
	t.roster = nil
	t.mu.Unlock()

	for _, id := range peers {
		t.sink.PeerDisconnected(id, routing.TransportRelay)
	}
}

func rosterIDs(roster map[string]bool) []string {
	out := make([]string, 0, len(roster))
	for id := range roster {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connect is satisfied by relay membership: a rostered peer is already
// reachable, and an absent one cannot be dialed individually.
func (t *RelayTransport) Connect(peerID string, _ *gossip.EndpointInfo) error {
	if t.Connected(peerID) {
		return nil
	}
	return fmt.Errorf("relay transport: peer %s not on relay", peerID)
}

// Disconnect is a no-op: the session is shared, peers leave when the
// relay says so.
func (t *RelayTransport) Disconnect(string) {}

// Connected reports whether the peer is on the relay roster.
func (t *RelayTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil && t.roster[peerID]
}

// Peers lists rostered node IDs, sorted.
func (t *RelayTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return rosterIDs(t.roster)
}

// Send forwards one envelope to a rostered peer through the relay.
func (t *RelayTransport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	sess := t.sess
	known := t.roster[peerID]
	t.mu.Unlock()
	if sess == nil || !known {
		return ErrNotConnected
	}
	f, err := frameForPeer(peerID, data)
	if err != nil {
		return fmt.Errorf("relay send to %s: %w", peerID, err)
	}
	if err := sess.writeFrame(f); err != nil {
		return fmt.Errorf("relay send to %s: %w", peerID, err)
	}
	return nil
}

// frameForPeer maps an outbound envelope onto the relay wire. Chat and
// route rpc envelopes become relay-native frames the hub validates and
// routes by their own fields; everything else rides as an opaque
// message payload.
func frameForPeer(peerID string, data []byte) (*relay.Frame, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case EnvChatRequest, EnvLLMRequest, EnvRouteRequest, EnvLLMResponse:
		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		f.To = peerID
		f.Target = ""
		f.From = "" // the hub stamps the sender
		return &f, nil
	default:
		return &relay.Frame{Type: relay.TypeMessage, To: peerID, Payload: data}, nil
	}
}

// Broadcast fans one envelope to the whole mesh through the relay.
func (t *RelayTransport) Broadcast(data []byte) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return
	}
	sess.writeFrame(&relay.Frame{Type: relay.TypeBroadcast, Payload: data})
}
