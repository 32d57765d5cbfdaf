package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/pkg/identity"
	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

// TokenFileName stores this node's encoded membership token, owner-only.
const TokenFileName = "membership.token"

// DefaultInviteTTL bounds how long a minted open invite stays usable.
const DefaultInviteTTL = 24 * time.Hour

// joinDialTimeout bounds one join attempt against one endpoint.
const joinDialTimeout = 10 * time.Second

// JoinRequest is the first frame a prospective member sends instead of a
// hello. The invite is optional: nodes on a trusted LAN may be admitted
// bare, in which case the founder logs the open admission.
type JoinRequest struct {
	Type          string   `json:"type"`
	NodeID        string   `json:"node_id"`
	Name          string   `json:"name,omitempty"`
	NodePublicKey string   `json:"node_public_key"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Invite        string   `json:"invite,omitempty"`
}

// JoinResponse carries the mesh metadata and a membership token bound to
// the joining node, or the refusal reason.
type JoinResponse struct {
	Type    string                 `json:"type"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Mesh    *identity.MeshIdentity `json:"mesh,omitempty"`
	Token   string                 `json:"token,omitempty"`
}

// handleJoinRequest is the founder-side admission hook wired into the
// LAN transport. It verifies the invite when one is presented, issues a
// token bound to the joiner, and returns the mesh metadata.
func (n *Node) handleJoinRequest(data []byte) []byte {
	metricJoinsHandled.Add(bgCtx, 1)

	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return joinRefusal("malformed join request")
	}
	if req.Type != transport.EnvJoinRequest || req.NodeID == "" {
		return joinRefusal("malformed join request")
	}
	pub, err := identity.DecodePublicKey(req.NodePublicKey)
	if err != nil {
		return joinRefusal("invalid node public key")
	}
	if identity.DeriveID(pub) != req.NodeID {
		return joinRefusal("node ID does not match public key")
	}

	if !n.IsFounder() || n.secrets == nil {
		return joinRefusal("this node cannot admit members")
	}
	masterKey, err := n.secrets.MasterPrivateKey(n.mesh)
	if err != nil {
		return joinRefusal("this node cannot admit members alone")
	}

	if req.Invite != "" {
		if err := n.verifyJoinInvite(req.Invite, req.NodeID); err != nil {
			log.Printf("[Node] refused join from %s: %v", req.NodeID, err)
			return joinRefusal(err.Error())
		}
	} else {
		log.Printf("[Node] admitting %s without invite (lan trust)", req.NodeID)
	}

	tok, err := identity.IssueToken(n.mesh, masterKey, n.ID(), req.NodeID, req.Capabilities, 0)
	if err != nil {
		return joinRefusal("failed to issue membership token")
	}
	encoded, err := tok.Encode()
	if err != nil {
		return joinRefusal("failed to encode membership token")
	}

	n.devices.Observe(req.NodeID, req.Name, "", req.Capabilities)
	log.Printf("[Node] admitted %s (%s) to mesh %s", req.Name, req.NodeID, n.mesh.MeshID)

	resp := JoinResponse{
		Type:    transport.EnvJoinResponse,
		Success: true,
		Mesh:    n.mesh,
		Token:   encoded,
	}
	out, _ := json.Marshal(&resp)
	return out
}

// verifyJoinInvite checks a presented invite token against our mesh. The
// nonce store makes open invites single-use.
func (n *Node) verifyJoinInvite(inviteStr, claimedNodeID string) error {
	inv, err := identity.ParseInvite(inviteStr)
	if err != nil {
		return fmt.Errorf("invalid invite: %w", err)
	}
	tok, err := identity.DecodeToken(inv.Token)
	if err != nil {
		return fmt.Errorf("invalid invite token: %w", err)
	}
	meshPub, err := n.mesh.MasterPublicKeyBytes()
	if err != nil {
		return err
	}
	if err := identity.VerifyToken(tok, meshPub, n.mesh.MeshID, claimedNodeID, n.nonces); err != nil {
		return err
	}
	return nil
}

func joinRefusal(msg string) []byte {
	out, _ := json.Marshal(&JoinResponse{
		Type:    transport.EnvJoinResponse,
		Success: false,
		Error:   msg,
	})
	return out
}

// JoinMesh joins this machine to an existing mesh: it dials a founder
// endpoint, presents the node identity (and invite, when given), and
// persists the returned mesh metadata plus membership token under
// stateDir. A node identity is generated on first use.
//
// The endpoint may be "host:port" or a ws:// URL. When empty, the
// invite's embedded endpoints are tried in order.
func JoinMesh(ctx context.Context, stateDir, endpoint, inviteStr string) (*identity.MeshIdentity, *identity.MembershipToken, error) {
	ident, err := loadOrCreateIdentity(stateDir)
	if err != nil {
		return nil, nil, err
	}

	var inv *identity.Invite
	if inviteStr != "" {
		inv, err = identity.ParseInvite(inviteStr)
		if err != nil {
			return nil, nil, err
		}
	}

	endpoints := candidateEndpoints(endpoint, inv)
	if len(endpoints) == 0 {
		return nil, nil, fmt.Errorf("no endpoint to join through; pass one or use an invite with endpoints")
	}

	req := JoinRequest{
		Type:          transport.EnvJoinRequest,
		NodeID:        ident.NodeID(),
		Name:          ident.Name,
		NodePublicKey: identity.EncodePublicKey(ident.PublicKey()),
		Invite:        inviteStr,
	}

	var lastErr error
	for _, ep := range endpoints {
		resp, err := sendJoinRequest(ctx, ep, &req)
		if err != nil {
			lastErr = err
			continue
		}
		mesh, tok, err := acceptJoinResponse(resp, inv, ident.NodeID())
		if err != nil {
			return nil, nil, err
		}
		if err := persistJoin(stateDir, mesh, resp.Token); err != nil {
			return nil, nil, err
		}
		log.Printf("[Node] joined mesh %s (%s) via %s", mesh.Name, mesh.MeshID, ep)
		return mesh, tok, nil
	}
	return nil, nil, fmt.Errorf("all join endpoints failed: %w", lastErr)
}

func loadOrCreateIdentity(stateDir string) (*identity.NodeIdentity, error) {
	path := filepath.Join(stateDir, IdentityFileName)
	ident, err := identity.LoadNodeIdentity(path)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	hostname, _ := os.Hostname()
	ident, err = identity.GenerateNodeIdentity(hostname)
	if err != nil {
		return nil, err
	}
	if err := ident.Save(path); err != nil {
		return nil, err
	}
	log.Printf("[Node] generated identity %s (%s)", ident.NodeID(), hostname)
	return ident, nil
}

func candidateEndpoints(endpoint string, inv *identity.Invite) []string {
	var out []string
	if endpoint != "" {
		out = append(out, endpoint)
	}
	if inv != nil {
		out = append(out, inv.Endpoints...)
	}
	return out
}

// joinURL normalizes "host:port" and ws:// forms to the /ws endpoint.
func joinURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("bad endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func sendJoinRequest(ctx context.Context, endpoint string, req *JoinRequest) (*JoinResponse, error) {
	target, err := joinURL(endpoint)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, joinDialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: joinDialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(joinDialTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send join request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(joinDialTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read join response: %w", err)
	}
	var resp JoinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse join response: %w", err)
	}
	return &resp, nil
}

// acceptJoinResponse validates what the founder sent back: the mesh must
// match the invite we presented, and the token must verify against the
// mesh master key and name us.
func acceptJoinResponse(resp *JoinResponse, inv *identity.Invite, nodeID string) (*identity.MeshIdentity, *identity.MembershipToken, error) {
	if !resp.Success {
		if resp.Error != "" {
			return nil, nil, fmt.Errorf("join refused: %s", resp.Error)
		}
		return nil, nil, fmt.Errorf("join refused")
	}
	if resp.Mesh == nil || resp.Token == "" {
		return nil, nil, fmt.Errorf("join response missing mesh or token")
	}
	if inv != nil && inv.MeshPublicKey != "" && inv.MeshPublicKey != resp.Mesh.MasterPublicKey {
		return nil, nil, fmt.Errorf("founder answered for a different mesh than the invite")
	}
	meshPub, err := resp.Mesh.MasterPublicKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	tok, err := identity.DecodeToken(resp.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid membership token: %w", err)
	}
	if err := identity.VerifyToken(tok, meshPub, resp.Mesh.MeshID, nodeID, nil); err != nil {
		return nil, nil, fmt.Errorf("membership token does not verify: %w", err)
	}
	return resp.Mesh, tok, nil
}

// persistJoin refuses to clobber membership in a different mesh.
func persistJoin(stateDir string, mesh *identity.MeshIdentity, token string) error {
	existing, _, err := identity.LoadMesh(stateDir)
	if err == nil && existing.MeshID != mesh.MeshID {
		return fmt.Errorf("already a member of mesh %s; leave it before joining %s", existing.MeshID, mesh.MeshID)
	}
	if err := mesh.Save(stateDir, nil); err != nil {
		return err
	}
	tokenPath := filepath.Join(stateDir, TokenFileName)
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write membership token: %w", err)
	}
	return nil
}

// LoadMembershipToken reads the persisted token, if any.
func LoadMembershipToken(stateDir string) (*identity.MembershipToken, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, TokenFileName))
	if err != nil {
		return nil, err
	}
	return identity.DecodeToken(strings.TrimSpace(string(data)))
}

// MintInvite issues an invite with this node's reachable LAN endpoints
// embedded. An empty subject mints a single-use open invite; a node ID
// binds the invite to that node. Requires the founder share.
func (n *Node) MintInvite(subject string, ttl time.Duration) (*identity.Invite, string, error) {
	if !n.IsFounder() || n.secrets == nil {
		return nil, "", fmt.Errorf("only a founder can mint invites")
	}
	var endpoints []string
	if info := n.manager.LocalEndpoints(); info != nil {
		port := strconv.Itoa(n.lan.Port())
		for _, ip := range info.LocalIPs {
			endpoints = append(endpoints, net.JoinHostPort(ip, port))
		}
	}
	return mintInvite(n.mesh, n.secrets, n.ID(), subject, endpoints, ttl)
}

// MintInviteAt issues an invite from on-disk state, for the CLI when no
// daemon is running. Endpoints must be supplied by the caller.
func MintInviteAt(stateDir, subject string, endpoints []string, ttl time.Duration) (*identity.Invite, string, error) {
	mesh, secrets, err := identity.LoadMesh(stateDir)
	if err != nil {
		return nil, "", err
	}
	ident, err := identity.LoadNodeIdentity(filepath.Join(stateDir, IdentityFileName))
	if err != nil {
		return nil, "", err
	}
	if !mesh.IsFounder(ident.NodeID()) || secrets == nil {
		return nil, "", fmt.Errorf("only a founder can mint invites")
	}
	return mintInvite(mesh, secrets, ident.NodeID(), subject, endpoints, ttl)
}

func mintInvite(mesh *identity.MeshIdentity, secrets *identity.MeshSecrets, issuerID, subject string, endpoints []string, ttl time.Duration) (*identity.Invite, string, error) {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	masterKey, err := secrets.MasterPrivateKey(mesh)
	if err != nil {
		return nil, "", fmt.Errorf("master key unavailable: %w", err)
	}
	tok, err := identity.IssueToken(mesh, masterKey, issuerID, subject, nil, ttl)
	if err != nil {
		return nil, "", err
	}
	encoded, err := tok.Encode()
	if err != nil {
		return nil, "", err
	}
	inv := &identity.Invite{
		Token:         encoded,
		MeshName:      mesh.Name,
		Endpoints:     endpoints,
		MeshPublicKey: mesh.MasterPublicKey,
	}
	link, err := inv.DeepLink()
	if err != nil {
		return nil, "", err
	}
	return inv, link, nil
}
