// Package transport moves frames between mesh nodes over whatever paths
// exist: direct WebSockets discovered on the LAN and an outbound relay
// session for everything else. The manager connects every transport it can
// per peer, sends on the cheapest live route, and fails over to the next
// one the moment a send errors.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/gossip"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

// Envelope types carried between nodes. Gossip rides base64-wrapped so the
// same demux handles LAN frames and relay payloads.
const (
	EnvHello         = "hello"
	EnvGossip        = "gossip"
	EnvPing          = "ping"
	EnvPong          = "pong"
	EnvMessage       = "message"
	EnvChatRequest   = "chat_request"
	EnvLLMRequest    = "llm_request"
	EnvRouteRequest  = "route_request"
	EnvChatResponse  = "chat_response"
	EnvLLMResponse   = "llm_response"
	EnvRouteResponse = "route_response"
	EnvJoinRequest   = "join_request"
	EnvJoinResponse  = "join_response"
)

const (
	// MaxMessageBytes bounds a single peer frame on any transport.
	MaxMessageBytes = 1 << 20
	// writeWait is the per-frame write deadline.
	writeWait = 10 * time.Second
	// helloWait bounds the LAN handshake exchange.
	helloWait = 5 * time.Second
)

// ErrNotConnected reports a send toward a peer the transport has no live
// path to. The manager treats it as a failover trigger, not a failure.
var ErrNotConnected = errors.New("transport: peer not connected")

// Envelope is the node-to-node message wrapper shared by every transport.
// Field names line up with the relay frame so targeted request frames pass
// through the relay without re-encoding.
type Envelope struct {
	Type         string          `json:"type"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	NodeID       string          `json:"node_id,omitempty"` // hello
	MeshID       string          `json:"mesh_id,omitempty"` // hello
	Name         string          `json:"name,omitempty"`    // hello display name
	Capabilities []string        `json:"capabilities,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Intent       string          `json:"intent,omitempty"`
	Messages     json.RawMessage `json:"messages,omitempty"`
	Model        string          `json:"model,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Routing      json.RawMessage `json:"routing,omitempty"`
	Backend      string          `json:"backend,omitempty"`
	Error        string          `json:"error,omitempty"`
	Data         string          `json:"data,omitempty"` // base64 gossip bytes
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"` // unix nanos on ping/pong
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses one envelope. Unknown types decode fine; the demux
// decides what to drop.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &e, nil
}

// WrapGossip wraps raw announcement bytes for transport delivery.
func WrapGossip(announcement []byte) []byte {
	env := Envelope{
		Type: EnvGossip,
		Data: base64.StdEncoding.EncodeToString(announcement),
	}
	data, _ := json.Marshal(&env)
	return data
}

// GossipBytes unwraps the announcement carried by a gossip envelope.
func (e *Envelope) GossipBytes() ([]byte, error) {
	if e.Type != EnvGossip {
		return nil, fmt.Errorf("not a gossip envelope: %s", e.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("gossip payload: %w", err)
	}
	return raw, nil
}

// Sink receives transport events. The manager implements it; transports
// never call each other directly.
type Sink interface {
	// PeerDiscovered reports a peer a transport can likely reach. Hints may
	// be nil when the transport only learned the ID.
	PeerDiscovered(nodeID string, hints *gossip.EndpointInfo)
	// PeerConnected reports a live path to the peer over one transport.
	PeerConnected(nodeID string, kind routing.TransportKind)
	// PeerDisconnected reports that one transport's path dropped.
	PeerDisconnected(nodeID string, kind routing.TransportKind)
	// Inbound delivers raw envelope bytes from the immediate peer.
	Inbound(from string, kind routing.TransportKind, data []byte)
}

// Transport is one concrete way of moving frames between nodes.
type Transport interface {
	Kind() routing.TransportKind
	Start() error
	Stop()
	// Available reports whether the transport can carry traffic at all,
	// independent of any particular peer.
	Available() bool
	// CostHint orders transports before real measurements exist. Lower is
	// preferred.
	CostHint() float64
	// Connect establishes a path to the peer. Hints may be nil when the
	// transport needs none (relay) or can look them up itself.
	Connect(peerID string, hints *gossip.EndpointInfo) error
	Disconnect(peerID string)
	Connected(peerID string) bool
	// Peers lists node IDs with a live path on this transport.
	Peers() []string
	Send(peerID string, data []byte) error
	Broadcast(data []byte)
}
