package identity

import (
	"crypto/ed25519"
	"testing"
)

func TestCreateMesh(t *testing.T) {
	t.Parallel()
	founder, err := GenerateNodeIdentity("founder")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	mesh, secrets, pending, err := CreateMesh("home-lab", 2, 3, founder, []string{"chat", "vision"})
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	if !idPattern.MatchString(mesh.MeshID) {
		t.Errorf("mesh ID %q is not 16 lowercase hex chars", mesh.MeshID)
	}
	if mesh.Threshold != 2 || mesh.TotalShares != 3 {
		t.Errorf("scheme %d-of-%d, want 2-of-3", mesh.Threshold, mesh.TotalShares)
	}
	if len(pending) != 2 {
		t.Fatalf("%d pending shares, want 2", len(pending))
	}
	if secrets.Share.Index != 1 {
		t.Errorf("founder share index %d, want 1", secrets.Share.Index)
	}
	if len(mesh.Founders) != 1 {
		t.Fatalf("%d founders, want 1", len(mesh.Founders))
	}
	f := mesh.Founders[0]
	if f.NodeID != founder.NodeID() || f.ShareIndex != 1 {
		t.Errorf("founder record %+v does not match creator", f)
	}
	if !mesh.IsFounder(founder.NodeID()) {
		t.Error("IsFounder(creator) = false")
	}
	if mesh.IsFounder("0000000000000000") {
		t.Error("IsFounder(stranger) = true")
	}

	// The founder share plus one pending share reconstruct the master key.
	seed, err := CombineShares([]Share{secrets.Share, pending[0]})
	if err != nil {
		t.Fatalf("CombineShares: %v", err)
	}
	pub, err := mesh.MasterPublicKeyBytes()
	if err != nil {
		t.Fatalf("MasterPublicKeyBytes: %v", err)
	}
	key := ed25519.NewKeyFromSeed(seed)
	if !pub.Equal(key.Public().(ed25519.PublicKey)) {
		t.Error("reconstructed master key does not match the published public key")
	}
}

func TestMasterPrivateKeySingleFounder(t *testing.T) {
	t.Parallel()
	mesh, secrets, _ := newTestMesh(t)
	key, err := secrets.MasterPrivateKey(mesh)
	if err != nil {
		t.Fatalf("MasterPrivateKey: %v", err)
	}
	pub, _ := mesh.MasterPublicKeyBytes()
	sig := ed25519.Sign(key, []byte("probe"))
	if !VerifySignature(pub, []byte("probe"), sig) {
		t.Error("reconstructed key does not sign for the mesh")
	}
}

func TestMasterPrivateKeyRefusesQuorum(t *testing.T) {
	t.Parallel()
	founder, _ := GenerateNodeIdentity("founder")
	mesh, secrets, _, err := CreateMesh("quorum", 2, 3, founder, nil)
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	if _, err := secrets.MasterPrivateKey(mesh); err == nil {
		t.Error("single share reconstructed a threshold-2 master key")
	}
}

func TestMeshSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	mesh, secrets, _ := newTestMesh(t)
	dir := t.TempDir()
	if err := mesh.Save(dir, secrets); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loadedMesh, loadedSecrets, err := LoadMesh(dir)
	if err != nil {
		t.Fatalf("LoadMesh: %v", err)
	}
	if loadedMesh.MeshID != mesh.MeshID || loadedMesh.Name != mesh.Name {
		t.Error("mesh metadata did not survive the round trip")
	}
	if loadedSecrets == nil || loadedSecrets.Share.Value != secrets.Share.Value {
		t.Error("mesh secrets did not survive the round trip")
	}
}

func TestLoadMeshWithoutSecrets(t *testing.T) {
	t.Parallel()
	mesh, _, _ := newTestMesh(t)
	dir := t.TempDir()
	if err := mesh.Save(dir, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, secrets, err := LoadMesh(dir)
	if err != nil {
		t.Fatalf("LoadMesh: %v", err)
	}
	if loaded.MeshID != mesh.MeshID {
		t.Error("mesh metadata mismatch")
	}
	if secrets != nil {
		t.Error("got secrets for a member-only state dir")
	}
}

func TestCreateMeshRejectsBadSchemes(t *testing.T) {
	t.Parallel()
	founder, _ := GenerateNodeIdentity("founder")
	cases := []struct {
		name string
		t, n int
	}{
		{"zero threshold", 0, 1},
		{"n below t", 3, 2},
		{"too many founders", 2, MaxFounders + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := CreateMesh("bad", tc.t, tc.n, founder, nil); err == nil {
				t.Error("CreateMesh accepted an invalid scheme")
			}
		})
	}
	if _, _, _, err := CreateMesh("", 1, 1, founder, nil); err == nil {
		t.Error("CreateMesh accepted an empty name")
	}
}
