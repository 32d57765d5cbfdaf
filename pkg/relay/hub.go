package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// authTimeout bounds how long a fresh connection may sit before its
	// first register_mesh or join frame.
	authTimeout = 10 * time.Second

	// pongWait is the read deadline. Clients ping every 20 seconds, so
	// three missed pings mark the connection dead.
	pongWait = 60 * time.Second

	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Hub tracks connected clients per mesh and moves frames between them.
type Hub struct {
	store    Store
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	meshes map[string]map[string]*client // mesh ID -> node ID -> client
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	meshID string
	nodeID string
	name   string   // display name from the join frame, may be empty
	caps   []string // capability labels announced at join
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewHub builds a hub over the given store.
func NewHub(store Store) *Hub {
	return &Hub{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		meshes: make(map[string]map[string]*client),
	}
}

// HandleWS upgrades the connection and runs the session.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Relay] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	go h.serve(conn, r.RemoteAddr)
}

// serve authenticates the first frame and then pumps messages until the
// connection dies.
func (h *Hub) serve(conn *websocket.Conn, remoteAddr string) {
	conn.SetReadLimit(MaxFrameBytes)

	c, reply, err := h.authenticate(conn)
	if err != nil {
		writeDirectError(conn, err.Error())
		conn.Close()
		log.Printf("[Relay] rejected %s: %v", remoteAddr, err)
		return
	}

	h.register(c)
	go c.writePump()
	c.enqueueFrame(reply)
	h.broadcastFrame(c.meshID, c.nodeID, &Frame{
		Type:         TypePeerJoined,
		NodeID:       c.nodeID,
		Name:         c.name,
		Capabilities: c.caps,
	})

	ctx := context.Background()
	h.store.TouchDevice(ctx, c.meshID, c.nodeID)
	h.store.IncrStat(ctx, "connects", 1)
	log.Printf("[Relay] %s joined mesh %s (%d online)", c.nodeID, c.meshID, h.onlineCount(c.meshID))

	c.readPump()

	if h.unregister(c) {
		h.broadcastFrame(c.meshID, c.nodeID, &Frame{Type: TypePeerLeft, NodeID: c.nodeID})
		log.Printf("[Relay] %s left mesh %s (%d online)", c.nodeID, c.meshID, h.onlineCount(c.meshID))
	}
}

// authenticate reads the first frame and resolves it to a mesh
// membership. It returns the client and the reply frame to send once
// the write pump is running.
func (h *Hub) authenticate(conn *websocket.Conn) (*client, *Frame, error) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("no auth frame: %w", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch f.Type {
	case TypeRegisterMesh:
		if err := VerifyFounderProof(f.MeshID, f.MeshPublicKey, f.FounderProof); err != nil {
			return nil, nil, err
		}
		meshName := f.Name
		existing, err := h.store.GetMesh(ctx, f.MeshID)
		switch {
		case err == nil:
			// The key is pinned at first registration.
			if existing.PublicKey != f.MeshPublicKey {
				return nil, nil, fmt.Errorf("mesh %s already registered with a different key", f.MeshID)
			}
			existing.LastSeen = time.Now().UTC()
			if meshName != "" {
				existing.Name = meshName
			}
			if err := h.store.UpsertMesh(ctx, existing); err != nil {
				return nil, nil, fmt.Errorf("store mesh: %w", err)
			}
			meshName = existing.Name
		case errors.Is(err, ErrNotFound):
			now := time.Now().UTC()
			rec := &MeshRecord{
				MeshID:       f.MeshID,
				Name:         meshName,
				PublicKey:    f.MeshPublicKey,
				RegisteredAt: now,
				LastSeen:     now,
			}
			if err := h.store.UpsertMesh(ctx, rec); err != nil {
				return nil, nil, fmt.Errorf("store mesh: %w", err)
			}
			h.store.IncrStat(ctx, "registrations", 1)
			log.Printf("[Relay] registered mesh %s (%q)", f.MeshID, meshName)
		default:
			return nil, nil, fmt.Errorf("lookup mesh: %w", err)
		}

		c := h.newClient(conn, f)
		peers := h.peerList(f.MeshID, f.NodeID)
		reply := &Frame{
			Type:      TypeMeshRegistered,
			Success:   true,
			MeshID:    f.MeshID,
			Mesh:      meshName,
			NodeCount: len(peers) + 1,
			Peers:     peers,
		}
		return c, reply, nil

	case TypeJoin:
		rec, err := h.store.GetMesh(ctx, f.MeshID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil, fmt.Errorf("unknown mesh %s", f.MeshID)
			}
			return nil, nil, fmt.Errorf("lookup mesh: %w", err)
		}
		h.store.IncrStat(ctx, "joins", 1)

		c := h.newClient(conn, f)
		peers := h.peerList(f.MeshID, f.NodeID)
		reply := &Frame{
			Type:      TypeJoined,
			MeshID:    f.MeshID,
			Mesh:      rec.Name,
			NodeCount: len(peers) + 1,
			Peers:     peers,
		}
		return c, reply, nil

	default:
		return nil, nil, fmt.Errorf("first frame must be register_mesh or join, got %s", f.Type)
	}
}

// newClient builds a client from the frame that authenticated it. On join
// the node_name field carries the node's display name; register_mesh has no
// node name of its own (its name field names the mesh), so founders show up
// with an empty name until a later join refreshes it.
func (h *Hub) newClient(conn *websocket.Conn, f *Frame) *client {
	return &client{
		hub:    h,
		conn:   conn,
		meshID: f.MeshID,
		nodeID: f.NodeID,
		name:   f.NodeName,
		caps:   f.Capabilities,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// register inserts the client, replacing any stale session for the
// same node.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	room, ok := h.meshes[c.meshID]
	if !ok {
		room = make(map[string]*client)
		h.meshes[c.meshID] = room
	}
	old := room[c.nodeID]
	room[c.nodeID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// unregister removes the client. It reports false when the slot was
// already taken over by a newer session for the same node.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.meshes[c.meshID]
	if !ok || room[c.nodeID] != c {
		return false
	}
	delete(room, c.nodeID)
	if len(room) == 0 {
		delete(h.meshes, c.meshID)
	}
	return true
}

// peerList snapshots the node IDs online in a mesh, excluding one.
func (h *Hub) peerList(meshID, except string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.meshes[meshID]
	out := make([]string, 0, len(room))
	for id := range room {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) onlineCount(meshID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meshes[meshID])
}

// MeshPeers lists node IDs currently connected for a mesh.
func (h *Hub) MeshPeers(meshID string) []string {
	return h.peerList(meshID, "")
}

// TotalClients counts connections across all meshes.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.meshes {
		n += len(room)
	}
	return n
}

// MeshesOnline counts meshes with at least one connected node.
func (h *Hub) MeshesOnline() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meshes)
}

// broadcastFrame fans a frame out to every client in the mesh except
// the sender.
func (h *Hub) broadcastFrame(meshID, except string, f *Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.meshes[meshID]))
	for id, cl := range h.meshes[meshID] {
		if id != except {
			targets = append(targets, cl)
		}
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		cl.enqueue(data)
	}
}

// sendTo delivers a frame to one node. Returns false when the node is
// not connected.
func (h *Hub) sendTo(meshID, nodeID string, f *Frame) bool {
	data, err := f.Encode()
	if err != nil {
		return false
	}
	h.mu.RLock()
	cl := h.meshes[meshID][nodeID]
	h.mu.RUnlock()
	if cl == nil {
		return false
	}
	cl.enqueue(data)
	return true
}

// --- client pumps ---

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := DecodeFrame(data)
		if err != nil {
			c.enqueueFrame(&Frame{Type: TypeError, Error: err.Error()})
			continue
		}

		switch f.Type {
		case TypePing:
			c.enqueueFrame(&Frame{Type: TypePong})

		case TypePeers:
			c.enqueueFrame(&Frame{Type: TypePeers, Peers: c.hub.peerList(c.meshID, c.nodeID)})

		case TypeBroadcast:
			f.From = c.nodeID
			c.hub.broadcastFrame(c.meshID, c.nodeID, f)
			c.hub.store.IncrStat(ctx, "broadcasts", 1)

		case TypeMessage, TypeChatRequest, TypeLLMRequest, TypeRouteRequest, TypeLLMResponse:
			f.From = c.nodeID
			to := f.Recipient()
			if !c.hub.sendTo(c.meshID, to, f) {
				c.enqueueFrame(&Frame{
					Type:      TypeError,
					RequestID: f.RequestID,
					Error:     fmt.Sprintf("peer %s not connected", to),
				})
				continue
			}
			c.hub.store.IncrStat(ctx, "messages", 1)

		default:
			c.enqueueFrame(&Frame{Type: TypeError, Error: fmt.Sprintf("unexpected frame type %s", f.Type)})
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// enqueue hands data to the write pump. A full buffer marks a slow
// consumer and drops the connection rather than blocking the hub.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Printf("[Relay] slow consumer %s in mesh %s, dropping connection", c.nodeID, c.meshID)
		c.close()
	}
}

func (c *client) enqueueFrame(f *Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writeDirectError is used before the write pump exists.
func writeDirectError(conn *websocket.Conn, msg string) {
	f := Frame{Type: TypeError, Error: msg}
	data, err := json.Marshal(&f)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
}
