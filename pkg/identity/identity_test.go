package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestGenerateNodeIdentity(t *testing.T) {
	t.Parallel()
	ni, err := GenerateNodeIdentity("workstation")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	if ni.Name != "workstation" {
		t.Errorf("name %q, want workstation", ni.Name)
	}
	if !idPattern.MatchString(ni.NodeID()) {
		t.Errorf("node ID %q is not 16 lowercase hex chars", ni.NodeID())
	}
	if !idPattern.MatchString(ni.HardwareHash) {
		t.Errorf("hardware hash %q is not 16 lowercase hex chars", ni.HardwareHash)
	}
	if ni.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	// Two identities on the same machine share a fingerprint but not keys.
	other, err := GenerateNodeIdentity("other")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	if other.NodeID() == ni.NodeID() {
		t.Error("distinct identities produced the same node ID")
	}
	if other.HardwareHash != ni.HardwareHash {
		t.Error("hardware fingerprint is not stable within a machine")
	}
}

func TestIdentitySaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ni, err := GenerateNodeIdentity("laptop")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	path := filepath.Join(t.TempDir(), "state", "identity.json")
	if err := ni.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadNodeIdentity(path)
	if err != nil {
		t.Fatalf("LoadNodeIdentity: %v", err)
	}
	if loaded.NodeID() != ni.NodeID() {
		t.Errorf("loaded node ID %s, want %s", loaded.NodeID(), ni.NodeID())
	}
	if loaded.Name != ni.Name || loaded.HardwareHash != ni.HardwareHash {
		t.Error("metadata did not survive the round trip")
	}

	// The loaded key must produce verifiable signatures.
	sig := loaded.Sign([]byte("probe"))
	if !VerifySignature(ni.PublicKey(), []byte("probe"), sig) {
		t.Error("loaded key does not match the saved key")
	}
}

func TestIdentityFilePermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	ni, err := GenerateNodeIdentity("perm-check")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := ni.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("identity file mode %o, want 0600", perm)
	}
}

func TestLoadNodeIdentityRejectsGarbage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json at all"},
		{"bad hex", `{"private_key":"zz","name":"x","hardware_hash":"y"}`},
		{"short seed", `{"private_key":"abcd","name":"x","hardware_hash":"y"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".json")
			if err := os.WriteFile(path, []byte(tc.data), 0600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadNodeIdentity(path); err == nil {
				t.Error("LoadNodeIdentity accepted malformed input")
			}
		})
	}
	if _, err := LoadNodeIdentity(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("LoadNodeIdentity accepted a missing file")
	}
}
