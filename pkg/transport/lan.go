package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

const (
	// DefaultPort is the node's listening port. Deliberately distinct from
	// any inference backend's default.
	DefaultPort = 11451

	lanService = "_atmosphere._tcp"
	lanDomain  = "local."

	lanCostHint     = 0.1
	dialTimeout     = 5 * time.Second
	browseRetryWait = 30 * time.Second
)

// LANConfig configures the LAN transport.
type LANConfig struct {
	NodeID   string
	MeshID   string
	NodeName string
	// Port to listen on. 0 lets the OS pick, which tests use.
	Port int
	// Capabilities snapshots the labels advertised over mDNS and in hello
	// frames. May be nil.
	Capabilities func() []string
	// MDNS enables service advertisement and the browse loop. Off, the
	// transport still accepts and dials direct WebSockets.
	MDNS bool
	// OnPeerMeta receives the display name and capability labels a peer
	// presented in its hello. May be nil.
	OnPeerMeta func(nodeID, name string, capabilities []string)
	// JoinHandler answers a join_request sent as the first frame instead
	// of a hello. It returns the encoded join_response, or nil to refuse.
	// Nil handler means this node does not admit members.
	JoinHandler func(request []byte) []byte
}

// LANTransport accepts and dials direct WebSockets between nodes on the
// same network, discovered over mDNS.
type LANTransport struct {
	cfg      LANConfig
	sink     Sink
	upgrader websocket.Upgrader

	srv  *http.Server
	mdns *zeroconf.Server

	mu      sync.Mutex
	conns   map[string]*lanConn
	running bool
	port    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lanConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *lanConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *lanConn) close() {
	c.once.Do(func() { c.conn.Close() })
}

// NewLANTransport builds the transport. Events flow into sink once Start
// has been called.
func NewLANTransport(cfg LANConfig, sink Sink) (*LANTransport, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("lan transport: node ID required")
	}
	if sink == nil {
		return nil, fmt.Errorf("lan transport: sink required")
	}
	if cfg.Port == 0 && cfg.MDNS {
		return nil, fmt.Errorf("lan transport: mdns requires a fixed port")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LANTransport{
		cfg:  cfg,
		sink: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are other nodes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*lanConn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *LANTransport) Kind() routing.TransportKind { return routing.TransportLAN }
func (t *LANTransport) CostHint() float64           { return lanCostHint }

// Port returns the bound listening port.
func (t *LANTransport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Start binds the WebSocket listener and, when enabled, registers the mDNS
// service and begins browsing for peers.
func (t *LANTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("lan transport already running")
	}
	t.running = true
	t.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.Port))
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return fmt.Errorf("lan listen: %w", err)
	}
	t.mu.Lock()
	t.port = ln.Addr().(*net.TCPAddr).Port
	t.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", t.handleWS)
	t.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Transport] lan server: %v", err)
		}
	}()

	if t.cfg.MDNS {
		if err := t.registerMDNS(); err != nil {
			log.Printf("[Transport] mdns register failed: %v (direct dial still works)", err)
		}
		t.wg.Add(1)
		go t.browseLoop()
	}

	log.Printf("[Transport] lan listening on :%d (mdns %v)", t.port, t.cfg.MDNS)
	return nil
}

// Stop closes the listener, every peer connection, and the mDNS presence.
func (t *LANTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	conns := t.conns
	t.conns = make(map[string]*lanConn)
	t.mu.Unlock()

	t.cancel()
	if t.mdns != nil {
		t.mdns.Shutdown()
	}
	if t.srv != nil {
		t.srv.Close()
	}
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
	log.Printf("[Transport] lan stopped")
}

// Available reports whether the listener is up.
func (t *LANTransport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *LANTransport) registerMDNS() error {
	caps := ""
	if t.cfg.Capabilities != nil {
		caps = strings.Join(t.cfg.Capabilities(), ",")
	}
	txt := []string{
		"node_id=" + t.cfg.NodeID,
		"mesh_id=" + t.cfg.MeshID,
		"capabilities=" + caps,
	}
	srv, err := zeroconf.Register(t.cfg.NodeID, lanService, lanDomain, t.port, txt, nil)
	if err != nil {
		return err
	}
	t.mdns = srv
	return nil
}

// browseLoop keeps one mDNS browse alive for the transport's lifetime,
// retrying when the resolver cannot start.
func (t *LANTransport) browseLoop() {
	defer t.wg.Done()
	for {
		entries := make(chan *zeroconf.ServiceEntry, 8)
		t.wg.Add(1)
		go t.consumeEntries(entries)

		resolver, err := zeroconf.NewResolver(nil)
		if err == nil {
			err = resolver.Browse(t.ctx, lanService, lanDomain, entries)
		}
		if err == nil {
			// The browse owns the channel now and runs until cancel.
			<-t.ctx.Done()
			return
		}

		log.Printf("[Transport] mdns browse failed: %v (retrying in %s)", err, browseRetryWait)
		select {
		case <-time.After(browseRetryWait):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *LANTransport) consumeEntries(entries <-chan *zeroconf.ServiceEntry) {
	defer t.wg.Done()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			t.handleEntry(entry)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *LANTransport) handleEntry(entry *zeroconf.ServiceEntry) {
	txt := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		if k, v, ok := strings.Cut(kv, "="); ok {
			txt[k] = v
		}
	}
	nodeID := txt["node_id"]
	if nodeID == "" || nodeID == t.cfg.NodeID {
		return
	}
	if meshID := txt["mesh_id"]; meshID != "" && t.cfg.MeshID != "" && meshID != t.cfg.MeshID {
		return
	}

	ips := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		ips = append(ips, ip.String())
	}
	if len(ips) == 0 {
		return
	}

	t.sink.PeerDiscovered(nodeID, &gossip.EndpointInfo{
		NodeID:      nodeID,
		LocalIPs:    ips,
		LocalPort:   entry.Port,
		LastUpdated: float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// handleWS accepts an inbound peer connection: the dialer speaks first
// with a hello, we answer with ours.
func (t *LANTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(MaxMessageBytes)

	conn.SetReadDeadline(time.Now().Add(helloWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	hello, err := DecodeEnvelope(data)
	if err != nil {
		conn.Close()
		return
	}
	if hello.Type == EnvJoinRequest {
		t.answerJoin(conn, data)
		return
	}
	if hello.Type != EnvHello || hello.NodeID == "" || hello.NodeID == t.cfg.NodeID {
		conn.Close()
		return
	}
	if hello.MeshID != "" && t.cfg.MeshID != "" && hello.MeshID != t.cfg.MeshID {
		log.Printf("[Transport] rejected lan peer %s from mesh %s", hello.NodeID, hello.MeshID)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &lanConn{conn: conn}
	if err := c.write(t.helloFrame()); err != nil {
		conn.Close()
		return
	}
	t.adopt(hello, c)
}

// answerJoin runs the admission hook for a prospective member. The joiner
// is not a peer yet: one request, one response, then the socket closes.
func (t *LANTransport) answerJoin(conn *websocket.Conn, request []byte) {
	defer conn.Close()
	if t.cfg.JoinHandler == nil {
		log.Printf("[Transport] join request refused: no admission handler")
		return
	}
	resp := t.cfg.JoinHandler(request)
	if resp == nil {
		return
	}
	c := &lanConn{conn: conn}
	if err := c.write(resp); err != nil {
		log.Printf("[Transport] join response write failed: %v", err)
	}
}

// Connect dials the peer's advertised WebSocket endpoint, trying each
// known address until one answers the hello exchange.
func (t *LANTransport) Connect(peerID string, hints *gossip.EndpointInfo) error {
	if peerID == t.cfg.NodeID {
		return fmt.Errorf("lan transport: cannot connect to self")
	}
	if t.Connected(peerID) {
		return nil
	}
	if hints == nil || len(hints.LocalIPs) == 0 {
		return fmt.Errorf("lan transport: no endpoint hints for %s", peerID)
	}
	port := hints.LocalPort
	if port == 0 {
		port = DefaultPort
	}

	var lastErr error
	for _, ip := range hints.LocalIPs {
		c, hello, err := t.dial(ip, port)
		if err != nil {
			lastErr = err
			continue
		}
		if hello.NodeID != peerID {
			c.close()
			lastErr = fmt.Errorf("lan transport: %s:%d answered as %s, expected %s", ip, port, hello.NodeID, peerID)
			continue
		}
		t.adopt(hello, c)
		return nil
	}
	return fmt.Errorf("lan transport: connect %s: %w", peerID, lastErr)
}

// ConnectAddr dials a bare host:port learned out of band (DHT hints) and
// adopts whichever node answers the hello. The hello exchange is what
// authenticates: an unknown or foreign-mesh responder is dropped.
func (t *LANTransport) ConnectAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("lan transport: bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return fmt.Errorf("lan transport: bad port in %q", addr)
	}
	c, hello, err := t.dial(host, port)
	if err != nil {
		return err
	}
	if hello.NodeID == t.cfg.NodeID {
		c.close()
		return fmt.Errorf("lan transport: %s answered with our own node ID", addr)
	}
	if hello.MeshID != "" && t.cfg.MeshID != "" && hello.MeshID != t.cfg.MeshID {
		c.close()
		return fmt.Errorf("lan transport: %s belongs to mesh %s", addr, hello.MeshID)
	}
	if t.Connected(hello.NodeID) {
		c.close()
		return nil
	}
	t.adopt(hello, c)
	return nil
}

func (t *LANTransport) dial(ip string, port int) (*lanConn, *Envelope, error) {
	url := fmt.Sprintf("ws://%s/ws", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(MaxMessageBytes)

	c := &lanConn{conn: conn}
	if err := c.write(t.helloFrame()); err != nil {
		c.close()
		return nil, nil, err
	}
	conn.SetReadDeadline(time.Now().Add(helloWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		c.close()
		return nil, nil, err
	}
	conn.SetReadDeadline(time.Time{})
	hello, err := DecodeEnvelope(data)
	if err != nil || hello.Type != EnvHello || hello.NodeID == "" {
		c.close()
		return nil, nil, fmt.Errorf("bad hello from %s:%d", ip, port)
	}
	return c, hello, nil
}

func (t *LANTransport) helloFrame() []byte {
	var caps []string
	if t.cfg.Capabilities != nil {
		caps = t.cfg.Capabilities()
	}
	env := Envelope{
		Type:         EnvHello,
		NodeID:       t.cfg.NodeID,
		MeshID:       t.cfg.MeshID,
		Name:         t.cfg.NodeName,
		Capabilities: caps,
	}
	data, _ := env.Encode()
	return data
}

// adopt installs an authenticated connection, replacing any earlier one
// for the same peer, and starts its read loop.
func (t *LANTransport) adopt(hello *Envelope, c *lanConn) {
	peerID := hello.NodeID
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		c.close()
		return
	}
	if old, ok := t.conns[peerID]; ok {
		old.close()
	}
	t.conns[peerID] = c
	t.mu.Unlock()

	if t.cfg.OnPeerMeta != nil {
		t.cfg.OnPeerMeta(peerID, hello.Name, hello.Capabilities)
	}
	t.wg.Add(1)
	go t.readLoop(peerID, c)
	t.sink.PeerConnected(peerID, routing.TransportLAN)
	log.Printf("[Transport] lan peer %s connected", peerID)
}

func (t *LANTransport) readLoop(peerID string, c *lanConn) {
	defer t.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		t.sink.Inbound(peerID, routing.TransportLAN, data)
	}
	c.close()
	if t.unregister(peerID, c) {
		t.sink.PeerDisconnected(peerID, routing.TransportLAN)
		log.Printf("[Transport] lan peer %s disconnected", peerID)
	}
}

// unregister returns false when the slot was already replaced by a newer
// connection, so replacement never reports a spurious disconnect.
func (t *LANTransport) unregister(peerID string, c *lanConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[peerID]; ok && cur == c {
		delete(t.conns, peerID)
		return true
	}
	return false
}

// Disconnect drops the peer's connection if one exists.
func (t *LANTransport) Disconnect(peerID string) {
	t.mu.Lock()
	c, ok := t.conns[peerID]
	if ok {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	if ok {
		c.close()
		t.sink.PeerDisconnected(peerID, routing.TransportLAN)
	}
}

// Connected reports a live direct connection to the peer.
func (t *LANTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peerID]
	return ok
}

// Peers lists directly connected node IDs, sorted.
func (t *LANTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send writes one frame to the peer's direct connection.
func (t *LANTransport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	c, ok := t.conns[peerID]
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("lan send to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast writes one frame to every directly connected peer. Write
// failures are left to the read loops to notice.
func (t *LANTransport) Broadcast(data []byte) {
	t.mu.Lock()
	conns := make([]*lanConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.write(data)
	}
}
