package identity

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// InviteScheme is the deep-link scheme understood by the CLI and menu bar.
const InviteScheme = "atmosphere"

// Invite bundles a membership token with everything a joining node needs
// to reach the mesh: human name, candidate endpoints, and the master
// public key for offline token verification.
type Invite struct {
	// Token is the MembershipToken.Encode output.
	Token    string `json:"token"`
	MeshName string `json:"mesh_name"`
	// Endpoints are host:port pairs or ws:// URLs where founders listen.
	Endpoints     []string `json:"endpoints"`
	MeshPublicKey string   `json:"mesh_public_key"` // base64 Ed25519
}

// Encode renders the invite as URL-safe base64 JSON.
func (inv *Invite) Encode() (string, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invite: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DeepLink renders the atmosphere://join?invite=<b64> form.
func (inv *Invite) DeepLink() (string, error) {
	b64, err := inv.Encode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://join?invite=%s", InviteScheme, url.QueryEscape(b64)), nil
}

// ParseInvite accepts either the bare base64 form or the full deep link.
func ParseInvite(s string) (*Invite, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, InviteScheme+"://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid invite link: %w", err)
		}
		s = u.Query().Get("invite")
		if s == "" {
			return nil, fmt.Errorf("invite link carries no invite parameter")
		}
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid invite encoding: %w", err)
	}
	var inv Invite
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("invalid invite JSON: %w", err)
	}
	if inv.Token == "" {
		return nil, fmt.Errorf("invite carries no token")
	}
	return &inv, nil
}

// JoinCode derives the short human-checkable fingerprint of a mesh:
// base32 of the first 9 bytes of SHA-256("{mesh_id}:{pubkey[:16]}"),
// truncated to 12 characters and grouped XXXX-XXXX-XXXX. It identifies a
// mesh; it is not a credential.
func JoinCode(meshID, meshPublicKey string) string {
	keyPrefix := meshPublicKey
	if len(keyPrefix) > 16 {
		keyPrefix = keyPrefix[:16]
	}
	sum := sha256.Sum256([]byte(meshID + ":" + keyPrefix))
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:9])[:12]
	return code[0:4] + "-" + code[4:8] + "-" + code[8:12]
}
