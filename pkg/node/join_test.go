package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/identity"
)

func founderAddr(n *Node) string {
	return fmt.Sprintf("127.0.0.1:%d", n.lan.Port())
}

func TestJoinMeshOverLAN(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)
	dirB := t.TempDir()

	mesh, tok, err := JoinMesh(context.Background(), dirB, founderAddr(a), "")
	if err != nil {
		t.Fatalf("JoinMesh: %v", err)
	}
	if mesh.MeshID != tm.mesh.MeshID {
		t.Errorf("joined mesh %s, want %s", mesh.MeshID, tm.mesh.MeshID)
	}
	if tok.IssuerID != a.ID() {
		t.Errorf("token issuer = %s, want founder %s", tok.IssuerID, a.ID())
	}

	ident, err := identity.LoadNodeIdentity(filepath.Join(dirB, IdentityFileName))
	if err != nil {
		t.Fatalf("no identity was generated: %v", err)
	}
	if tok.NodeID != ident.NodeID() {
		t.Errorf("token bound to %s, want %s", tok.NodeID, ident.NodeID())
	}

	loaded, err := LoadMembershipToken(dirB)
	if err != nil {
		t.Fatalf("LoadMembershipToken: %v", err)
	}
	if loaded.Nonce != tok.Nonce {
		t.Error("persisted token differs from the returned one")
	}
	info, err := os.Stat(filepath.Join(dirB, TokenFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v", info.Mode().Perm())
	}
	if _, ok := a.devices.Get(ident.NodeID()); !ok {
		t.Error("founder did not record the joiner as a device")
	}
}

// A freshly joined state dir must boot into a working member node.
func TestJoinedNodeStartsAndConnects(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, visionCap())
	dirB := t.TempDir()

	if _, _, err := JoinMesh(context.Background(), dirB, founderAddr(a), ""); err != nil {
		t.Fatalf("JoinMesh: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.MDNS = false
	cfg.EmbeddingBackend = "hash"
	cfg.GossipIntervalSec = 1
	b, err := NewNode(dirB, cfg)
	if err != nil {
		t.Fatalf("NewNode after join: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start after join: %v", err)
	}
	t.Cleanup(b.Stop)

	connectNodes(t, b, a)
	if b.Mesh().MeshID != tm.mesh.MeshID {
		t.Errorf("member mesh = %s", b.Mesh().MeshID)
	}
	waitFor(t, func() bool { return b.gradient.Len() >= 1 }, "member never learned the founder's capabilities")
}

func TestJoinMeshWithInviteIsSingleUse(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)

	masterKey, err := tm.secrets.MasterPrivateKey(tm.mesh)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := identity.IssueToken(tm.mesh, masterKey, tm.founder.NodeID(), "", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}
	inv := &identity.Invite{
		Token:         encoded,
		MeshName:      tm.mesh.Name,
		Endpoints:     []string{founderAddr(a)},
		MeshPublicKey: tm.mesh.MasterPublicKey,
	}
	link, err := inv.DeepLink()
	if err != nil {
		t.Fatal(err)
	}

	// No explicit endpoint: the invite's embedded ones carry the join.
	if _, _, err := JoinMesh(context.Background(), t.TempDir(), "", link); err != nil {
		t.Fatalf("join with invite: %v", err)
	}

	// The open invite's nonce is consumed on first admission.
	_, _, err = JoinMesh(context.Background(), t.TempDir(), "", link)
	if err == nil {
		t.Fatal("replayed invite was accepted")
	}
	if !strings.Contains(err.Error(), "join refused") {
		t.Errorf("replay error = %v", err)
	}
}

func TestJoinRefusedByNonFounder(t *testing.T) {
	tm := newTestMesh(t)
	m := startTestNode(t, tm, nil, nil)

	_, _, err := JoinMesh(context.Background(), t.TempDir(), founderAddr(m), "")
	if err == nil {
		t.Fatal("a plain member admitted a joiner")
	}
	if !strings.Contains(err.Error(), "cannot admit members") {
		t.Errorf("refusal = %v", err)
	}
}

func TestJoinRefusesMeshClobber(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)

	other := newTestMesh(t)
	dirB := t.TempDir()
	if err := other.mesh.Save(dirB, nil); err != nil {
		t.Fatal(err)
	}

	_, _, err := JoinMesh(context.Background(), dirB, founderAddr(a), "")
	if err == nil {
		t.Fatal("membership in another mesh was overwritten")
	}
	if !strings.Contains(err.Error(), "already a member") {
		t.Errorf("clobber error = %v", err)
	}
}

// The founder honors a valid token, but the client still refuses when the
// mesh the founder answers for is not the one the invite named.
func TestJoinRejectsMeshMismatchedInvite(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)

	masterKey, err := tm.secrets.MasterPrivateKey(tm.mesh)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := identity.IssueToken(tm.mesh, masterKey, tm.founder.NodeID(), "", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}
	other := newTestMesh(t)
	inv := &identity.Invite{
		Token:         encoded,
		MeshName:      other.mesh.Name,
		MeshPublicKey: other.mesh.MasterPublicKey,
	}
	link, err := inv.DeepLink()
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = JoinMesh(context.Background(), t.TempDir(), founderAddr(a), link)
	if err == nil {
		t.Fatal("mesh mismatch went unnoticed")
	}
	if !strings.Contains(err.Error(), "different mesh") {
		t.Errorf("mismatch error = %v", err)
	}
}

func TestMintInviteAdmitsJoiner(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)

	_, link, err := a.MintInvite("", time.Hour)
	if err != nil {
		t.Fatalf("MintInvite: %v", err)
	}
	parsed, err := identity.ParseInvite(link)
	if err != nil {
		t.Fatalf("minted link does not parse: %v", err)
	}
	if parsed.MeshPublicKey != tm.mesh.MasterPublicKey {
		t.Error("invite names a different mesh key")
	}
	tok, err := identity.DecodeToken(parsed.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.IsOpenInvite() || tok.IssuerID != a.ID() {
		t.Errorf("token = %+v", tok)
	}

	if _, _, err := JoinMesh(context.Background(), t.TempDir(), founderAddr(a), link); err != nil {
		t.Fatalf("join with minted invite: %v", err)
	}

	m := startTestNode(t, tm, nil, nil)
	if _, _, err := m.MintInvite("", time.Hour); err == nil {
		t.Error("a plain member minted an invite")
	}
}

func TestBoundInviteAdmitsOnlyItsSubject(t *testing.T) {
	tm := newTestMesh(t)
	a := startTestNode(t, tm, tm.founder, nil)

	subject, err := identity.GenerateNodeIdentity("laptop")
	if err != nil {
		t.Fatal(err)
	}
	_, link, err := a.MintInvite(subject.NodeID(), time.Hour)
	if err != nil {
		t.Fatalf("MintInvite: %v", err)
	}
	parsed, err := identity.ParseInvite(link)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := identity.DecodeToken(parsed.Token)
	if err != nil {
		t.Fatal(err)
	}
	if tok.IsOpenInvite() || tok.NodeID != subject.NodeID() {
		t.Fatalf("token = %+v", tok)
	}

	// A different node presenting the bound invite is turned away.
	otherDir := t.TempDir()
	if _, _, err := JoinMesh(context.Background(), otherDir, founderAddr(a), link); err == nil {
		t.Fatal("bound invite admitted a different node")
	}

	// The subject itself is admitted.
	subjectDir := t.TempDir()
	if err := subject.Save(filepath.Join(subjectDir, IdentityFileName)); err != nil {
		t.Fatal(err)
	}
	mesh, got, err := JoinMesh(context.Background(), subjectDir, founderAddr(a), link)
	if err != nil {
		t.Fatalf("subject join: %v", err)
	}
	if mesh.MeshID != tm.mesh.MeshID || got.NodeID != subject.NodeID() {
		t.Errorf("joined mesh %s as %s", mesh.MeshID, got.NodeID)
	}

	// Bound invites are re-presentable: a reconnecting subject is not
	// treated as a replay.
	if _, _, err := JoinMesh(context.Background(), subjectDir, founderAddr(a), link); err != nil {
		t.Errorf("subject re-join: %v", err)
	}
}

func TestMintInviteAtWithoutDaemon(t *testing.T) {
	tm := newTestMesh(t)
	dir := t.TempDir()
	if err := tm.founder.Save(filepath.Join(dir, IdentityFileName)); err != nil {
		t.Fatal(err)
	}
	if err := tm.mesh.Save(dir, tm.secrets); err != nil {
		t.Fatal(err)
	}

	inv, _, err := MintInviteAt(dir, "", []string{"192.0.2.10:11451"}, 0)
	if err != nil {
		t.Fatalf("MintInviteAt: %v", err)
	}
	if len(inv.Endpoints) != 1 || inv.Endpoints[0] != "192.0.2.10:11451" {
		t.Errorf("endpoints = %v", inv.Endpoints)
	}

	memberDir := t.TempDir()
	ident, err := identity.GenerateNodeIdentity("plain")
	if err != nil {
		t.Fatal(err)
	}
	if err := ident.Save(filepath.Join(memberDir, IdentityFileName)); err != nil {
		t.Fatal(err)
	}
	if err := tm.mesh.Save(memberDir, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := MintInviteAt(memberDir, "", nil, 0); err == nil {
		t.Error("state dir without a founder share minted an invite")
	}
}

func TestJoinURLForms(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"127.0.0.1:1234", "ws://127.0.0.1:1234/ws", true},
		{"ws://host:9", "ws://host:9/ws", true},
		{"wss://relay.example.com/custom", "wss://relay.example.com/custom", true},
		{"http://host", "", false},
	}
	for _, tc := range cases {
		got, err := joinURL(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("joinURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("joinURL(%q) accepted", tc.in)
		}
	}
}
