package discovery

import (
	"bytes"
	"testing"
)

func TestDeriveDHTInfohashDeterministic(t *testing.T) {
	t.Parallel()
	a1, err := DeriveDHTInfohash("1234567890abcdef", "pubkey-base64")
	if err != nil {
		t.Fatalf("DeriveDHTInfohash: %v", err)
	}
	a2, err := DeriveDHTInfohash("1234567890abcdef", "pubkey-base64")
	if err != nil {
		t.Fatalf("DeriveDHTInfohash: %v", err)
	}
	if !bytes.Equal(a1[:], a2[:]) {
		t.Error("same inputs derived different infohashes")
	}
	if len(a1) != 20 {
		t.Errorf("infohash length %d, want 20", len(a1))
	}
	var zero [20]byte
	if bytes.Equal(a1[:], zero[:]) {
		t.Error("derived the zero infohash")
	}
}

func TestDeriveDHTInfohashInputSensitivity(t *testing.T) {
	t.Parallel()
	base, _ := DeriveDHTInfohash("1234567890abcdef", "pub-a")
	otherMesh, _ := DeriveDHTInfohash("fedcba0987654321", "pub-a")
	otherKey, _ := DeriveDHTInfohash("1234567890abcdef", "pub-b")

	if bytes.Equal(base[:], otherMesh[:]) {
		t.Error("different mesh IDs share an infohash")
	}
	if bytes.Equal(base[:], otherKey[:]) {
		t.Error("different master keys share an infohash")
	}
}

func TestDeriveDHTInfohashRequiresMeshID(t *testing.T) {
	t.Parallel()
	if _, err := DeriveDHTInfohash("", "pub"); err == nil {
		t.Error("empty mesh ID accepted")
	}
}
