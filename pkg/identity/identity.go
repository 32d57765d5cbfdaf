// Package identity implements Atmosphere's credential layer: Ed25519 node
// identities, mesh master keys split with Shamir's Secret Sharing, signed
// membership tokens, and federation links between meshes. Everything here
// verifies offline — no operation requires network contact.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// NodeIDLength is the number of hex characters in a node or mesh ID
// (the first 16 hex chars of a SHA-256 over the public key).
const NodeIDLength = 16

// NodeIdentity is a node's long-lived key pair plus the metadata persisted
// in identity.json. The private key never leaves the owning node.
type NodeIdentity struct {
	PrivateKey   ed25519.PrivateKey `json:"-"`
	Name         string             `json:"name"`
	HardwareHash string             `json:"hardware_hash"`
	CreatedAt    time.Time          `json:"created_at"`
}

// nodeIdentityFile is the on-disk form of NodeIdentity.
type nodeIdentityFile struct {
	PrivateKey   string    `json:"private_key"`
	Name         string    `json:"name"`
	HardwareHash string    `json:"hardware_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerateNodeIdentity creates a fresh Ed25519 key pair with a stable
// hardware fingerprint for this machine.
func GenerateNodeIdentity(name string) (*NodeIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &NodeIdentity{
		PrivateKey:   priv,
		Name:         name,
		HardwareHash: hardwareFingerprint(),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// PublicKey returns the node's Ed25519 public key.
func (ni *NodeIdentity) PublicKey() ed25519.PublicKey {
	return ni.PrivateKey.Public().(ed25519.PublicKey)
}

// NodeID derives the node's short identifier from its public key.
func (ni *NodeIdentity) NodeID() string {
	return DeriveID(ni.PublicKey())
}

// Sign signs a message with the node's private key.
func (ni *NodeIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(ni.PrivateKey, message)
}

// VerifySignature checks an Ed25519 signature.
func VerifySignature(pub ed25519.PublicKey, message, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, sig)
}

// DeriveID returns the first 16 hex chars of SHA-256 over a public key.
// Used for both node IDs and mesh IDs.
func DeriveID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:NodeIDLength]
}

// EncodePublicKey renders a public key in the base64 wire form used by
// tokens, invites, and relay auth frames.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the base64 wire form back into a key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Save writes the identity to path with owner-only permissions.
func (ni *NodeIdentity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	f := nodeIdentityFile{
		PrivateKey:   hex.EncodeToString(ni.PrivateKey.Seed()),
		Name:         ni.Name,
		HardwareHash: ni.HardwareHash,
		CreatedAt:    ni.CreatedAt,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadNodeIdentity reads an identity previously written by Save.
func LoadNodeIdentity(path string) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var f nodeIdentityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	seed, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &NodeIdentity{
		PrivateKey:   ed25519.NewKeyFromSeed(seed),
		Name:         f.Name,
		HardwareHash: f.HardwareHash,
		CreatedAt:    f.CreatedAt,
	}, nil
}

// hardwareFingerprint hashes hostname, architecture, platform, and the
// machine ID (when readable) into a stable 16-hex-char identifier. The
// fingerprint survives reinstalls as long as the machine ID does.
func hardwareFingerprint() string {
	var parts []string
	if hn, err := os.Hostname(); err == nil {
		parts = append(parts, hn)
	}
	parts = append(parts, runtime.GOARCH, runtime.GOOS)
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			parts = append(parts, strings.TrimSpace(string(data)))
			break
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:NodeIDLength]
}
