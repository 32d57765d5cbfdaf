package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxFounders caps the size of a founding quorum.
const MaxFounders = 10

// FoundingMember records one founder's claim on the mesh at creation time.
type FoundingMember struct {
	NodeID       string    `json:"node_id"`
	PublicKey    string    `json:"public_key"` // base64 Ed25519
	ShareIndex   int       `json:"share_index"`
	Capabilities []string  `json:"capabilities"`
	HardwareHash string    `json:"hardware_hash"`
	JoinedAt     time.Time `json:"joined_at"`
}

// MeshIdentity is the public description of a mesh, persisted as mesh.json.
// The master private key itself exists only as Shamir shares.
type MeshIdentity struct {
	MeshID          string           `json:"mesh_id"`
	Name            string           `json:"name"`
	MasterPublicKey string           `json:"master_public_key"` // base64 Ed25519
	Threshold       int              `json:"threshold"`
	TotalShares     int              `json:"total_shares"`
	Founders        []FoundingMember `json:"founders"`
	CreatedAt       time.Time        `json:"created_at"`
}

// MeshSecrets holds the locally kept secret material for a mesh: this
// node's Shamir share and the founder's signing seed. Persisted alongside
// mesh.json as mesh.secrets, owner-only.
type MeshSecrets struct {
	MeshID      string `json:"mesh_id"`
	Share       Share  `json:"share"`
	SigningSeed string `json:"signing_seed"` // hex, founder node key seed
}

// CreateMesh generates a mesh master key, splits it into n shares with
// threshold t, and records the creating founder under share index 1. The
// remaining n-1 shares are returned for out-of-band distribution and are
// not kept anywhere else.
func CreateMesh(name string, threshold, shares int, founder *NodeIdentity, capabilities []string) (*MeshIdentity, *MeshSecrets, []Share, error) {
	if name == "" {
		return nil, nil, nil, fmt.Errorf("mesh name must not be empty")
	}
	if threshold < 1 || shares < threshold || shares > MaxFounders {
		return nil, nil, nil, fmt.Errorf("invalid threshold scheme %d-of-%d", threshold, shares)
	}

	seed, err := randomFieldSecret()
	if err != nil {
		return nil, nil, nil, err
	}
	masterKey := ed25519.NewKeyFromSeed(seed)
	masterPub := masterKey.Public().(ed25519.PublicKey)

	allShares, err := SplitSecret(seed, threshold, shares)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to split master key: %w", err)
	}

	mesh := &MeshIdentity{
		MeshID:          DeriveID(masterPub),
		Name:            name,
		MasterPublicKey: base64.StdEncoding.EncodeToString(masterPub),
		Threshold:       threshold,
		TotalShares:     shares,
		Founders: []FoundingMember{{
			NodeID:       founder.NodeID(),
			PublicKey:    base64.StdEncoding.EncodeToString(founder.PublicKey()),
			ShareIndex:   1,
			Capabilities: append([]string(nil), capabilities...),
			HardwareHash: founder.HardwareHash,
			JoinedAt:     time.Now().UTC(),
		}},
		CreatedAt: time.Now().UTC(),
	}
	secrets := &MeshSecrets{
		MeshID:      mesh.MeshID,
		Share:       allShares[0],
		SigningSeed: fmt.Sprintf("%x", founder.PrivateKey.Seed()),
	}
	return mesh, secrets, allShares[1:], nil
}

// MasterPublicKeyBytes decodes the mesh master public key.
func (m *MeshIdentity) MasterPublicKeyBytes() (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(m.MasterPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid master public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("master public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pub), nil
}

// IsFounder reports whether nodeID appears in the founding member list.
func (m *MeshIdentity) IsFounder(nodeID string) bool {
	for _, f := range m.Founders {
		if f.NodeID == nodeID {
			return true
		}
	}
	return false
}

// MasterPrivateKey reconstructs the mesh master key from the local share.
// Only possible when the mesh threshold is 1; larger quorums must collect
// shares out of band and call CombineShares directly.
func (s *MeshSecrets) MasterPrivateKey(mesh *MeshIdentity) (ed25519.PrivateKey, error) {
	if mesh.Threshold > 1 {
		return nil, fmt.Errorf("mesh threshold is %d, a single share cannot reconstruct the master key", mesh.Threshold)
	}
	seed, err := CombineShares([]Share{s.Share})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub, err := mesh.MasterPublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if !pub.Equal(key.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("reconstructed key does not match mesh master public key")
	}
	return key, nil
}

// Save writes mesh.json (world-readable metadata) and mesh.secrets
// (owner-only) next to each other under dir.
func (m *MeshIdentity) Save(dir string, secrets *MeshSecrets) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mesh: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mesh.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write mesh.json: %w", err)
	}
	if secrets != nil {
		sdata, err := json.MarshalIndent(secrets, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal mesh secrets: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "mesh.secrets"), sdata, 0600); err != nil {
			return fmt.Errorf("failed to write mesh.secrets: %w", err)
		}
	}
	return nil
}

// LoadMesh reads mesh.json and, when present, mesh.secrets from dir.
// A missing secrets file is not an error; member nodes only hold mesh.json.
func LoadMesh(dir string) (*MeshIdentity, *MeshSecrets, error) {
	data, err := os.ReadFile(filepath.Join(dir, "mesh.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read mesh.json: %w", err)
	}
	var mesh MeshIdentity
	if err := json.Unmarshal(data, &mesh); err != nil {
		return nil, nil, fmt.Errorf("failed to parse mesh.json: %w", err)
	}
	sdata, err := os.ReadFile(filepath.Join(dir, "mesh.secrets"))
	if err != nil {
		if os.IsNotExist(err) {
			return &mesh, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read mesh.secrets: %w", err)
	}
	var secrets MeshSecrets
	if err := json.Unmarshal(sdata, &secrets); err != nil {
		return nil, nil, fmt.Errorf("failed to parse mesh.secrets: %w", err)
	}
	if secrets.MeshID != mesh.MeshID {
		return nil, nil, fmt.Errorf("mesh.secrets belongs to mesh %s, not %s", secrets.MeshID, mesh.MeshID)
	}
	return &mesh, &secrets, nil
}
