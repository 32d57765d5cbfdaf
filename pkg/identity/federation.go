package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Federation verification failures.
var (
	ErrLinkBadSignature = errors.New("federation link signature invalid")
	ErrLinkExpired      = errors.New("federation link expired")
)

// FederationLink is a parent mesh's signed statement delegating limited
// authority to a child mesh. Verification needs only the parent's public
// key, so children operate fully disconnected from the parent.
type FederationLink struct {
	ChildMeshID       string   `json:"child_mesh_id"`
	ChildPublicKey    string   `json:"child_public_key"` // base64 Ed25519
	ParentMeshID      string   `json:"parent_mesh_id"`
	ParentPublicKey   string   `json:"parent_public_key"` // base64 Ed25519
	AllowedCaps       []string `json:"allowed_capabilities"`
	MaxDeviceTier     int      `json:"max_device_tier"`
	CanCreateChildren bool     `json:"can_create_children"`
	CreatedAt         int64    `json:"created_at"`
	ExpiresAt         int64    `json:"expires_at"` // 0 = never
	Signature         string   `json:"signature,omitempty"`
}

// CreateFederationLink signs a delegation from parent to child with the
// parent mesh master key. expiresDays of 0 means the link never expires.
func CreateFederationLink(parent *MeshIdentity, parentKey ed25519.PrivateKey, child *MeshIdentity, allowedCaps []string, maxTier int, canCreateChildren bool, expiresDays int) (*FederationLink, error) {
	parentPub, err := parent.MasterPublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if !parentPub.Equal(parentKey.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("signing key does not match parent mesh %s", parent.MeshID)
	}
	now := time.Now().UTC()
	var expires int64
	if expiresDays > 0 {
		expires = now.AddDate(0, 0, expiresDays).Unix()
	}
	link := &FederationLink{
		ChildMeshID:       child.MeshID,
		ChildPublicKey:    child.MasterPublicKey,
		ParentMeshID:      parent.MeshID,
		ParentPublicKey:   parent.MasterPublicKey,
		AllowedCaps:       append([]string(nil), allowedCaps...),
		MaxDeviceTier:     maxTier,
		CanCreateChildren: canCreateChildren,
		CreatedAt:         now.Unix(),
		ExpiresAt:         expires,
	}
	link.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(parentKey, link.canonicalBytes()))
	return link, nil
}

// canonicalBytes is the signed form: sorted-key compact JSON without the
// signature field.
func (l *FederationLink) canonicalBytes() []byte {
	caps := append([]string(nil), l.AllowedCaps...)
	if caps == nil {
		caps = []string{}
	}
	data, _ := json.Marshal(map[string]any{
		"child_mesh_id":       l.ChildMeshID,
		"child_public_key":    l.ChildPublicKey,
		"parent_mesh_id":      l.ParentMeshID,
		"parent_public_key":   l.ParentPublicKey,
		"allowed_capabilities": caps,
		"max_device_tier":     l.MaxDeviceTier,
		"can_create_children": l.CanCreateChildren,
		"created_at":          l.CreatedAt,
		"expires_at":          l.ExpiresAt,
	})
	return data
}

// Verify checks the link signature against the parent public key and the
// expiry. No network contact is made.
func (l *FederationLink) Verify(parentPub ed25519.PublicKey) error {
	sig, err := base64.RawURLEncoding.DecodeString(l.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrLinkBadSignature)
	}
	if !ed25519.Verify(parentPub, l.canonicalBytes(), sig) {
		return ErrLinkBadSignature
	}
	if l.ExpiresAt != 0 && time.Now().UTC().Unix() > l.ExpiresAt {
		return fmt.Errorf("%w: expired at %d", ErrLinkExpired, l.ExpiresAt)
	}
	return nil
}

// AllowsCapability reports whether the link delegates a capability label.
// An empty allowed list delegates nothing.
func (l *FederationLink) AllowsCapability(label string) bool {
	for _, c := range l.AllowedCaps {
		if c == label {
			return true
		}
	}
	return false
}
