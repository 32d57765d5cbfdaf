package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// newTestMesh creates a 1-of-1 mesh with a reconstructable master key.
func newTestMesh(t *testing.T) (*MeshIdentity, *MeshSecrets, *NodeIdentity) {
	t.Helper()
	founder, err := GenerateNodeIdentity("founder")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	mesh, secrets, rest, err := CreateMesh("demo-mesh", 1, 1, founder, []string{"chat"})
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("1-of-1 mesh returned %d pending shares", len(rest))
	}
	return mesh, secrets, founder
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	ni, err := GenerateNodeIdentity("alice")
	if err != nil {
		t.Fatalf("GenerateNodeIdentity: %v", err)
	}
	msgs := [][]byte{nil, []byte("x"), []byte("the quick brown fox"), bytes.Repeat([]byte{0xAB}, 4096)}
	for _, m := range msgs {
		sig := ni.Sign(m)
		if !VerifySignature(ni.PublicKey(), m, sig) {
			t.Errorf("signature did not verify for %d-byte message", len(m))
		}
	}
	// Tampered message must fail.
	sig := ni.Sign([]byte("original"))
	if VerifySignature(ni.PublicKey(), []byte("tampered"), sig) {
		t.Error("signature verified for a different message")
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	t.Parallel()
	mesh, secrets, founder := newTestMesh(t)
	master, err := secrets.MasterPrivateKey(mesh)
	if err != nil {
		t.Fatalf("MasterPrivateKey: %v", err)
	}
	meshPub, err := mesh.MasterPublicKeyBytes()
	if err != nil {
		t.Fatalf("MasterPublicKeyBytes: %v", err)
	}

	tok, err := IssueToken(mesh, master, founder.NodeID(), "b0b0b0b0b0b0b0b0", []string{"chat", "vision"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if tok.IssuerID != founder.NodeID() {
		t.Errorf("issuer %s, want %s", tok.IssuerID, founder.NodeID())
	}
	if len(tok.Nonce) != 32 {
		t.Errorf("nonce length %d, want 32 hex chars", len(tok.Nonce))
	}

	ns := NewNonceStore()
	if err := VerifyToken(tok, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	// Bound tokens are re-presentable; verification again succeeds.
	if err := VerifyToken(tok, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); err != nil {
		t.Fatalf("VerifyToken (second presentation): %v", err)
	}
}

func TestVerifyTokenFailures(t *testing.T) {
	t.Parallel()
	mesh, secrets, founder := newTestMesh(t)
	master, _ := secrets.MasterPrivateKey(mesh)
	meshPub, _ := mesh.MasterPublicKeyBytes()
	ns := NewNonceStore()

	bound, err := IssueToken(mesh, master, founder.NodeID(), "b0b0b0b0b0b0b0b0", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	t.Run("wrong node", func(t *testing.T) {
		if err := VerifyToken(bound, meshPub, mesh.MeshID, "cafecafecafecafe", ns); !errors.Is(err, ErrWrongNode) {
			t.Errorf("got %v, want ErrWrongNode", err)
		}
	})

	t.Run("unknown mesh", func(t *testing.T) {
		if err := VerifyToken(bound, meshPub, "0000000000000000", "b0b0b0b0b0b0b0b0", ns); !errors.Is(err, ErrUnknownMesh) {
			t.Errorf("got %v, want ErrUnknownMesh", err)
		}
	})

	t.Run("expired regardless of signature", func(t *testing.T) {
		expired := *bound
		expired.IssuedAt = time.Now().Add(-2 * time.Hour).Unix()
		expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()
		// Re-sign so only the expiry is at fault.
		expired.Signature = ""
		resigned, err := IssueToken(mesh, master, founder.NodeID(), expired.NodeID, expired.Capabilities, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		resigned.ExpiresAt = time.Now().Add(-time.Hour).Unix()
		if err := VerifyToken(resigned, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("got %v, want ErrTokenExpired", err)
		}
	})

	t.Run("tampered capabilities", func(t *testing.T) {
		forged := *bound
		forged.Capabilities = append([]string{"admin"}, bound.Capabilities...)
		if err := VerifyToken(&forged, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); !errors.Is(err, ErrBadSignature) {
			t.Errorf("got %v, want ErrBadSignature", err)
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		forged := *bound
		forged.Signature = "not-base64!!"
		if err := VerifyToken(&forged, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); !errors.Is(err, ErrBadSignature) {
			t.Errorf("got %v, want ErrBadSignature", err)
		}
	})
}

func TestOpenInviteSingleUse(t *testing.T) {
	t.Parallel()
	mesh, secrets, founder := newTestMesh(t)
	master, _ := secrets.MasterPrivateKey(mesh)
	meshPub, _ := mesh.MasterPublicKeyBytes()
	ns := NewNonceStore()

	open, err := IssueToken(mesh, master, founder.NodeID(), "", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if !open.IsOpenInvite() {
		t.Fatal("token with empty node ID should be an open invite")
	}

	if err := VerifyToken(open, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if ns.Len() != 1 {
		t.Errorf("nonce store holds %d entries, want 1", ns.Len())
	}
	// Same node retrying and a different node both see replay.
	if err := VerifyToken(open, meshPub, mesh.MeshID, "b0b0b0b0b0b0b0b0", ns); !errors.Is(err, ErrTokenReplayed) {
		t.Errorf("same-node replay: got %v, want ErrTokenReplayed", err)
	}
	if err := VerifyToken(open, meshPub, mesh.MeshID, "cafecafecafecafe", ns); !errors.Is(err, ErrTokenReplayed) {
		t.Errorf("cross-node replay: got %v, want ErrTokenReplayed", err)
	}
}

func TestNonceStoreCleanup(t *testing.T) {
	t.Parallel()
	ns := NewNonceStore()
	ns.skew = 0
	if !ns.Consume("aa", time.Now().Add(-time.Second)) {
		t.Fatal("fresh nonce rejected")
	}
	if !ns.Consume("bb", time.Now().Add(time.Hour)) {
		t.Fatal("fresh nonce rejected")
	}
	if dropped := ns.Cleanup(); dropped != 1 {
		t.Errorf("Cleanup dropped %d, want 1", dropped)
	}
	if ns.Seen("aa") {
		t.Error("expired nonce survived cleanup")
	}
	if !ns.Seen("bb") {
		t.Error("live nonce dropped by cleanup")
	}
}

func TestTokenCanonicalBytesStable(t *testing.T) {
	t.Parallel()
	mesh, secrets, founder := newTestMesh(t)
	master, _ := secrets.MasterPrivateKey(mesh)

	tok, err := IssueToken(mesh, master, founder.NodeID(), "b0b0b0b0b0b0b0b0", []string{"vision", "chat", "embed"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	first := tok.CanonicalBytes()

	// Serialize -> parse -> serialize must be byte identical.
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	second := decoded.CanonicalBytes()
	if !bytes.Equal(first, second) {
		t.Errorf("canonical bytes unstable:\n first=%s\nsecond=%s", first, second)
	}

	// Capability order must not affect canonical form.
	shuffled := *tok
	shuffled.Capabilities = []string{"embed", "vision", "chat"}
	if !bytes.Equal(first, shuffled.CanonicalBytes()) {
		t.Error("capability order changed canonical bytes")
	}

	// Canonical form must be valid JSON with no signature field.
	var m map[string]any
	if err := json.Unmarshal(first, &m); err != nil {
		t.Fatalf("canonical bytes not JSON: %v", err)
	}
	if _, ok := m["signature"]; ok {
		t.Error("canonical bytes include the signature field")
	}
}

func TestIssueTokenCapsTTL(t *testing.T) {
	t.Parallel()
	mesh, secrets, founder := newTestMesh(t)
	master, _ := secrets.MasterPrivateKey(mesh)

	tok, err := IssueToken(mesh, master, founder.NodeID(), "", nil, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	maxExpiry := time.Now().Add(MaxTokenTTL + time.Minute).Unix()
	if tok.ExpiresAt > maxExpiry {
		t.Errorf("expiry %d exceeds the 7-day cap", tok.ExpiresAt)
	}
}
