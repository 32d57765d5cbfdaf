// Package relay implements the rendezvous server nodes fall back to
// when no LAN path exists: meshes register under a founder proof,
// members join, and frames fan out or route to single peers. The relay
// never inspects capability vectors; membership enforcement stays
// end-to-end between nodes.
package relay

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
)

// Frame types carried over the relay WebSocket.
const (
	TypeRegisterMesh   = "register_mesh"
	TypeMeshRegistered = "mesh_registered"
	TypeJoin           = "join"
	TypeJoined         = "joined"
	TypePing           = "ping"
	TypePong           = "pong"
	TypePeers          = "peers"
	TypePeerJoined     = "peer_joined"
	TypePeerLeft       = "peer_left"
	TypeMessage        = "message"
	TypeBroadcast      = "broadcast"
	TypeChatRequest    = "chat_request"
	TypeLLMRequest     = "llm_request"
	TypeRouteRequest   = "route_request"
	TypeLLMResponse    = "llm_response"
	TypeError          = "error"
)

// MaxFrameBytes bounds a single relay frame. Anything larger is a
// protocol violation and closes the connection.
const MaxFrameBytes = 1 << 20

var nodeIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Frame is the single wire envelope for every relay exchange. Fields
// are populated per type; Validate enforces the per-type requirements.
type Frame struct {
	Type          string          `json:"type"`
	MeshID        string          `json:"mesh_id,omitempty"`
	Mesh          string          `json:"mesh,omitempty"` // mesh display name in joined replies
	NodeID        string          `json:"node_id,omitempty"`
	Name          string          `json:"name,omitempty"`      // mesh display name on register_mesh
	NodeName      string          `json:"node_name,omitempty"` // node display name on join
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Target        string          `json:"target,omitempty"` // accepted alias for to
	Token         string          `json:"token,omitempty"`
	MeshPublicKey string          `json:"mesh_public_key,omitempty"`
	NodePublicKey string          `json:"node_public_key,omitempty"`
	FounderProof  string          `json:"founder_proof,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Intent        string          `json:"intent,omitempty"`   // route_request
	Messages      json.RawMessage `json:"messages,omitempty"` // chat_request, llm_request
	Model         string          `json:"model,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"` // llm_response
	Routing       json.RawMessage `json:"routing,omitempty"`
	Backend       string          `json:"backend,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Peers         []string        `json:"peers,omitempty"`
	NodeCount     int             `json:"node_count,omitempty"`
	Success       bool            `json:"success,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Recipient resolves the destination of a targeted frame. Senders may
// use either field name; to is canonical.
func (f *Frame) Recipient() string {
	if f.To != "" {
		return f.To
	}
	return f.Target
}

// Encode marshals the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses and validates one frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the per-type required fields.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeRegisterMesh:
		if f.MeshID == "" {
			return fmt.Errorf("register_mesh: mesh_id required")
		}
		if f.MeshPublicKey == "" {
			return fmt.Errorf("register_mesh: mesh_public_key required")
		}
		if f.FounderProof == "" {
			return fmt.Errorf("register_mesh: founder_proof required")
		}
		if !nodeIDPattern.MatchString(f.NodeID) {
			return fmt.Errorf("register_mesh: node_id must be 16 hex chars")
		}
	case TypeJoin:
		if f.MeshID == "" {
			return fmt.Errorf("join: mesh_id required")
		}
		if !nodeIDPattern.MatchString(f.NodeID) {
			return fmt.Errorf("join: node_id must be 16 hex chars")
		}
	case TypeMessage, TypeChatRequest, TypeLLMRequest, TypeRouteRequest, TypeLLMResponse:
		if f.Recipient() == "" {
			return fmt.Errorf("%s: to required", f.Type)
		}
	case TypeBroadcast, TypePing, TypePong, TypePeers,
		TypeMeshRegistered, TypeJoined, TypePeerJoined, TypePeerLeft, TypeError:
		// No required fields beyond type.
	case "":
		return fmt.Errorf("frame missing type")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// FounderProof signs the mesh ID with the mesh master key. The relay
// verifies it before accepting a mesh registration.
func FounderProof(meshID string, masterKey ed25519.PrivateKey) string {
	sig := ed25519.Sign(masterKey, []byte(meshID))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyFounderProof checks a registration proof against the claimed
// mesh public key.
func VerifyFounderProof(meshID, publicKeyB64, proofB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("invalid mesh public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid mesh public key: got %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return fmt.Errorf("invalid founder proof: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(meshID), sig) {
		return fmt.Errorf("founder proof verification failed")
	}
	return nil
}
