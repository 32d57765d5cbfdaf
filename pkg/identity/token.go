package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// MaxTokenTTL caps membership token lifetime at seven days.
const MaxTokenTTL = 7 * 24 * time.Hour

// TokenNonceSize is the length of the random nonce in a token.
const TokenNonceSize = 16

// Typed verification failures. Callers branch with errors.Is; none of
// these are retried at the credential layer.
var (
	ErrBadSignature  = errors.New("token signature invalid")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenReplayed = errors.New("token nonce already consumed")
	ErrWrongNode     = errors.New("token bound to a different node")
	ErrUnknownMesh   = errors.New("token issued for a different mesh")
)

// MembershipToken is an offline-verifiable claim of mesh membership.
// NodeID empty means an open invite usable once by any node.
type MembershipToken struct {
	MeshID       string   `json:"mesh_id"`
	NodeID       string   `json:"node_id,omitempty"`
	IssuedAt     int64    `json:"issued_at"`
	ExpiresAt    int64    `json:"expires_at"`
	Capabilities []string `json:"capabilities"`
	IssuerID     string   `json:"issuer_id"`
	Nonce        string   `json:"nonce"` // 32 hex chars
	Signature    string   `json:"signature,omitempty"`
}

// IssueToken signs a membership claim with the mesh master key. The TTL is
// capped at MaxTokenTTL. An empty subjectNodeID creates an open invite.
func IssueToken(mesh *MeshIdentity, masterKey ed25519.PrivateKey, issuerID, subjectNodeID string, capabilities []string, ttl time.Duration) (*MembershipToken, error) {
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	pub, err := mesh.MasterPublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if !pub.Equal(masterKey.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("signing key does not match mesh %s master public key", mesh.MeshID)
	}
	nonce := make([]byte, TokenNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate token nonce: %w", err)
	}
	now := time.Now().UTC()
	tok := &MembershipToken{
		MeshID:       mesh.MeshID,
		NodeID:       subjectNodeID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		Capabilities: append([]string(nil), capabilities...),
		IssuerID:     issuerID,
		Nonce:        hex.EncodeToString(nonce),
	}
	tok.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(masterKey, tok.CanonicalBytes()))
	return tok, nil
}

// CanonicalBytes renders the token's signed form: JSON with sorted keys,
// sorted capabilities, integer timestamps, no whitespace, and the
// signature field absent. Serialize-parse-serialize is byte stable.
func (t *MembershipToken) CanonicalBytes() []byte {
	caps := append([]string(nil), t.Capabilities...)
	sort.Strings(caps)
	if caps == nil {
		caps = []string{}
	}
	fields := map[string]any{
		"mesh_id":      t.MeshID,
		"issued_at":    t.IssuedAt,
		"expires_at":   t.ExpiresAt,
		"capabilities": caps,
		"issuer_id":    t.IssuerID,
		"nonce":        t.Nonce,
	}
	if t.NodeID != "" {
		fields["node_id"] = t.NodeID
	}
	// encoding/json sorts map keys and emits compact output.
	data, _ := json.Marshal(fields)
	return data
}

// IsOpenInvite reports whether the token may be claimed by any node.
func (t *MembershipToken) IsOpenInvite() bool {
	return t.NodeID == ""
}

// Encode renders the token as URL-safe base64 of its canonical JSON
// (signature included), the wire form carried in invites.
func (t *MembershipToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by Encode.
func DecodeToken(encoded string) (*MembershipToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding: %w", err)
	}
	var tok MembershipToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("invalid token JSON: %w", err)
	}
	return &tok, nil
}

// VerifyToken checks a presented token against the mesh master public key.
// claimedNodeID is the identity of the presenting node. Open invites are
// single use: the verifier's nonce store records consumed nonces until the
// token's own expiry passes. Every failure is one of the typed errors.
func VerifyToken(tok *MembershipToken, meshPub ed25519.PublicKey, meshID, claimedNodeID string, nonces *NonceStore) error {
	if tok == nil {
		return fmt.Errorf("%w: no token", ErrBadSignature)
	}
	if len(tok.Nonce) != TokenNonceSize*2 {
		return fmt.Errorf("%w: nonce length %d", ErrBadSignature, len(tok.Nonce))
	}
	if _, err := hex.DecodeString(tok.Nonce); err != nil {
		return fmt.Errorf("%w: nonce not hex", ErrBadSignature)
	}
	if tok.MeshID != meshID {
		return fmt.Errorf("%w: token mesh %s", ErrUnknownMesh, tok.MeshID)
	}
	now := time.Now().UTC().Unix()
	if tok.ExpiresAt < now {
		return fmt.Errorf("%w: expired at %d", ErrTokenExpired, tok.ExpiresAt)
	}
	if !tok.IsOpenInvite() && tok.NodeID != claimedNodeID {
		return fmt.Errorf("%w: token names %s", ErrWrongNode, tok.NodeID)
	}
	sig, err := base64.RawURLEncoding.DecodeString(tok.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !ed25519.Verify(meshPub, tok.CanonicalBytes(), sig) {
		return ErrBadSignature
	}
	if tok.IsOpenInvite() && nonces != nil {
		if !nonces.Consume(tok.Nonce, time.Unix(tok.ExpiresAt, 0)) {
			return ErrTokenReplayed
		}
	}
	return nil
}
