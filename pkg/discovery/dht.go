// Package discovery finds mesh members beyond the local network by
// announcing into the BitTorrent Mainline DHT under an infohash derived
// from the mesh identity. Addresses found in the swarm are only hints;
// the transports decide whether whoever answers actually belongs to the
// mesh.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
)

const (
	// DefaultAnnounceInterval re-publishes our presence to the swarm.
	DefaultAnnounceInterval = 15 * time.Minute
	// DefaultQueryInterval drives swarm lookups until the mesh is stable.
	DefaultQueryInterval = 30 * time.Second
	// queryIntervalStable slows lookups once enough peers answered.
	queryIntervalStable = 60 * time.Second
	// stablePeerCount is how many distinct swarm addresses mean stable.
	stablePeerCount = 3

	persistInterval  = 2 * time.Minute
	lookupTimeout    = 30 * time.Second
	bootstrapTimeout = 30 * time.Second
	contactDedupTTL  = 60 * time.Second
)

// DefaultBootstrapNodes are well-known Mainline DHT entry points.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// Config wires the DHT channel to a mesh.
type Config struct {
	MeshID        string
	MeshPublicKey string
	// ListenPort is the node's WebSocket port, announced to the swarm so
	// members can dial back.
	ListenPort int
	// DHTPort binds the DHT's own UDP socket. 0 tries ListenPort+1, then
	// an OS-assigned port.
	DHTPort int
	// StateDir persists the routing table between runs. Empty disables
	// persistence.
	StateDir string

	BootstrapNodes   []string
	AnnounceInterval time.Duration
	QueryInterval    time.Duration

	// OnPeerAddr receives "ip:port" swarm addresses worth probing.
	OnPeerAddr func(addr string)
}

// DHTDiscovery announces and queries one mesh infohash on the Mainline
// DHT.
type DHTDiscovery struct {
	cfg      Config
	infohash [20]byte

	server  *dht.Server
	dhtPort int

	mu        sync.Mutex
	running   bool
	contacted map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDHTDiscovery derives the mesh infohash and prepares the discovery
// channel. Nothing touches the network until Start.
func NewDHTDiscovery(cfg Config) (*DHTDiscovery, error) {
	infohash, err := DeriveDHTInfohash(cfg.MeshID, cfg.MeshPublicKey)
	if err != nil {
		return nil, err
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultQueryInterval
	}
	if len(cfg.BootstrapNodes) == 0 {
		cfg.BootstrapNodes = DefaultBootstrapNodes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DHTDiscovery{
		cfg:       cfg,
		infohash:  infohash,
		contacted: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Infohash returns the derived announce target.
func (d *DHTDiscovery) Infohash() [20]byte { return d.infohash }

// Port returns the bound DHT UDP port, 0 before Start.
func (d *DHTDiscovery) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dhtPort
}

// Start binds the DHT socket, bootstraps into the network, and launches
// the announce, query, and persist loops.
func (d *DHTDiscovery) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dht discovery already running")
	}
	d.running = true
	d.mu.Unlock()

	if err := d.initServer(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	d.wg.Add(4)
	go d.bootstrapWait()
	go d.announceLoop()
	go d.queryLoop()
	go d.persistLoop()
	log.Printf("[DHT] discovery started for infohash %x on udp port %d", d.infohash[:8], d.dhtPort)
	return nil
}

// Stop persists the node table and shuts the server down.
func (d *DHTDiscovery) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	if d.server != nil {
		d.persistNodes()
		d.server.Close()
	}
	log.Printf("[DHT] discovery stopped")
	return nil
}

func (d *DHTDiscovery) initServer() error {
	port := d.cfg.DHTPort
	if port == 0 && d.cfg.ListenPort > 0 {
		port = d.cfg.ListenPort + 1
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		// Port taken; let the OS pick.
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return fmt.Errorf("bind dht socket: %w", err)
		}
	}
	d.mu.Lock()
	d.dhtPort = conn.LocalAddr().(*net.UDPAddr).Port
	d.mu.Unlock()

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.NoSecurity = false

	var bootstrapAddrs []dht.Addr
	for _, node := range d.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			log.Printf("[DHT] cannot resolve bootstrap node %s: %v", node, err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return fmt.Errorf("no bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) {
		return bootstrapAddrs, nil
	}

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create dht server: %w", err)
	}
	d.server = server
	d.loadPersistedNodes()
	return nil
}

// bootstrapWait forces an initial lookup to populate the routing table
// and logs when the table has nodes. Start never blocks on it.
func (d *DHTDiscovery) bootstrapWait() {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(d.ctx, bootstrapTimeout)
	defer cancel()

	// get_peers with port 0 walks the bootstrap nodes without announcing.
	a, err := d.server.Announce(d.infohash, 0, false)
	if err != nil {
		log.Printf("[DHT] bootstrap lookup failed: %v", err)
		return
	}
	go func() {
		defer a.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-a.Peers:
				if !ok {
					return
				}
			}
		}
	}()

	for i := 0; i < 10; i++ {
		select {
		case <-time.After(time.Second):
		case <-d.ctx.Done():
			return
		}
		if n := d.server.NumNodes(); n > 0 {
			log.Printf("[DHT] bootstrap complete, table has %d nodes", n)
			return
		}
	}
	log.Printf("[DHT] bootstrap slow, continuing with %d nodes", d.server.NumNodes())
}

func (d *DHTDiscovery) announceLoop() {
	defer d.wg.Done()
	d.announce()
	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.announce()
		case <-d.ctx.Done():
			return
		}
	}
}

// announce publishes our listen port under the mesh infohash and drains
// the traversal to completion.
func (d *DHTDiscovery) announce() {
	ctx, cancel := context.WithTimeout(d.ctx, lookupTimeout)
	defer cancel()

	a, err := d.server.Announce(d.infohash, d.cfg.ListenPort, false)
	if err != nil {
		log.Printf("[DHT] announce failed: %v", err)
		return
	}
	defer a.Close()

	responses := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DHT] announced to %d nodes", responses)
			return
		case _, ok := <-a.Peers:
			if !ok {
				log.Printf("[DHT] announced to %d nodes", responses)
				return
			}
			responses++
		}
	}
}

// queryLoop looks the swarm up on a fast cadence, slowing down once the
// mesh looks stable.
func (d *DHTDiscovery) queryLoop() {
	defer d.wg.Done()
	d.query()

	interval := d.cfg.QueryInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.query()
			if interval == d.cfg.QueryInterval && d.contactedCount() >= stablePeerCount {
				interval = queryIntervalStable
				ticker.Reset(interval)
				log.Printf("[DHT] swarm stable, slowing queries to %s", interval)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// query runs one get_peers traversal and hands fresh addresses to the
// callback.
func (d *DHTDiscovery) query() {
	ctx, cancel := context.WithTimeout(d.ctx, lookupTimeout)
	defer cancel()

	a, err := d.server.Announce(d.infohash, 0, false)
	if err != nil {
		log.Printf("[DHT] query failed: %v", err)
		return
	}
	defer a.Close()

	discovered := 0
	for {
		select {
		case <-ctx.Done():
			return
		case peerAddrs, ok := <-a.Peers:
			if !ok {
				if discovered > 0 {
					log.Printf("[DHT] query found %d swarm addresses", discovered)
				}
				return
			}
			for _, addr := range peerAddrs.Peers {
				if d.contact(addr.String()) {
					discovered++
				}
			}
		}
	}
}

// contact dedups one swarm address and forwards it to the callback.
func (d *DHTDiscovery) contact(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "0" || host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		return false
	}
	if !d.markContacted(addr) {
		return false
	}
	if d.cfg.OnPeerAddr != nil {
		d.cfg.OnPeerAddr(addr)
	}
	return true
}

// markContacted returns false when the address was already handed out
// inside the dedup window.
func (d *DHTDiscovery) markContacted(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.contacted[addr]; ok && now.Sub(last) < contactDedupTTL {
		return false
	}
	// Opportunistic sweep keeps the map from growing unbounded.
	for a, at := range d.contacted {
		if now.Sub(at) > 10*contactDedupTTL {
			delete(d.contacted, a)
		}
	}
	d.contacted[addr] = now
	return true
}

func (d *DHTDiscovery) contactedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contacted)
}

func (d *DHTDiscovery) persistLoop() {
	defer d.wg.Done()
	if d.cfg.StateDir == "" {
		return
	}
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.persistNodes()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DHTDiscovery) nodesFilePath() string {
	return filepath.Join(d.cfg.StateDir, fmt.Sprintf("dht-%x.nodes", d.infohash[:8]))
}

func (d *DHTDiscovery) loadPersistedNodes() {
	if d.cfg.StateDir == "" {
		return
	}
	file := d.nodesFilePath()
	added, err := d.server.AddNodesFromFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[DHT] cannot load persisted nodes from %s: %v", file, err)
		}
		return
	}
	if added > 0 {
		log.Printf("[DHT] loaded %d persisted nodes from %s", added, file)
	}
}

func (d *DHTDiscovery) persistNodes() {
	if d.cfg.StateDir == "" || d.server == nil {
		return
	}
	nodes := d.server.Nodes()
	if len(nodes) == 0 {
		return
	}
	file := d.nodesFilePath()
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		log.Printf("[DHT] cannot create state dir: %v", err)
		return
	}
	if err := dht.WriteNodesToFile(nodes, file); err != nil {
		log.Printf("[DHT] cannot persist nodes to %s: %v", file, err)
	}
}
