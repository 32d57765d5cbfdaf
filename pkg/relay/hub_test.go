package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testMeshID    = "3f9a1c5b7d2e4a68"
	founderNodeID = "aaaaaaaaaaaaaaaa"
	memberNodeID  = "bbbbbbbbbbbbbbbb"
	thirdNodeID   = "cccccccccccccccc"
)

type testRelay struct {
	ts    *httptest.Server
	hub   *Hub
	store *MemoryStore
	key   ed25519.PrivateKey
	pub   string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemoryStore()
	hub := NewHub(store)
	ts := httptest.NewServer(NewAPI(hub, store, nil, ""))
	t.Cleanup(ts.Close)
	return &testRelay{
		ts:    ts,
		hub:   hub,
		store: store,
		key:   priv,
		pub:   base64.StdEncoding.EncodeToString(pub),
	}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f *Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &f
}

func recvType(t *testing.T, conn *websocket.Conn, want string) *Frame {
	t.Helper()
	f := recv(t, conn)
	if f.Type != want {
		t.Fatalf("frame type = %s (error=%q), want %s", f.Type, f.Error, want)
	}
	return f
}

func (tr *testRelay) registerFounder(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := tr.dial(t)
	send(t, conn, &Frame{
		Type:          TypeRegisterMesh,
		MeshID:        testMeshID,
		Name:          "demo-mesh",
		NodeID:        founderNodeID,
		MeshPublicKey: tr.pub,
		FounderProof:  FounderProof(testMeshID, tr.key),
	})
	recvType(t, conn, TypeMeshRegistered)
	return conn
}

func (tr *testRelay) join(t *testing.T, nodeID, nodeName string) (*websocket.Conn, *Frame) {
	t.Helper()
	conn := tr.dial(t)
	send(t, conn, &Frame{
		Type:         TypeJoin,
		MeshID:       testMeshID,
		NodeID:       nodeID,
		NodeName:     nodeName,
		Capabilities: []string{"chat"},
	})
	return conn, recvType(t, conn, TypeJoined)
}

func TestRegisterMesh(t *testing.T) {
	tr := newTestRelay(t)

	conn := tr.dial(t)
	send(t, conn, &Frame{
		Type:          TypeRegisterMesh,
		MeshID:        testMeshID,
		Name:          "demo-mesh",
		NodeID:        founderNodeID,
		MeshPublicKey: tr.pub,
		FounderProof:  FounderProof(testMeshID, tr.key),
	})
	reply := recvType(t, conn, TypeMeshRegistered)
	if !reply.Success {
		t.Error("mesh_registered should report success")
	}
	if reply.MeshID != testMeshID {
		t.Errorf("mesh_id = %s", reply.MeshID)
	}
	if reply.NodeCount != 1 {
		t.Errorf("node_count = %d, want 1 (just the founder)", reply.NodeCount)
	}
	if len(reply.Peers) != 0 {
		t.Errorf("peers = %v, want empty for a fresh mesh", reply.Peers)
	}

	// ping/pong round trip also flushes the server's stat writes.
	send(t, conn, &Frame{Type: TypePing})
	recvType(t, conn, TypePong)

	rec, err := tr.store.GetMesh(context.Background(), testMeshID)
	if err != nil {
		t.Fatalf("mesh not persisted: %v", err)
	}
	if rec.PublicKey != tr.pub {
		t.Error("stored mesh key does not match the registered key")
	}
	if rec.Name != "demo-mesh" {
		t.Errorf("stored mesh name = %q, want demo-mesh", rec.Name)
	}
	if tr.hub.TotalClients() != 1 || tr.hub.MeshesOnline() != 1 {
		t.Errorf("hub counts = %d/%d, want 1/1", tr.hub.TotalClients(), tr.hub.MeshesOnline())
	}
}

func TestRegisterMeshBadProof(t *testing.T) {
	tr := newTestRelay(t)

	conn := tr.dial(t)
	send(t, conn, &Frame{
		Type:          TypeRegisterMesh,
		MeshID:        testMeshID,
		NodeID:        founderNodeID,
		MeshPublicKey: tr.pub,
		FounderProof:  FounderProof("someothermesh123", tr.key),
	})
	f := recvType(t, conn, TypeError)
	if !strings.Contains(f.Error, "founder proof") {
		t.Errorf("error = %q, want founder proof failure", f.Error)
	}
	if _, err := tr.store.GetMesh(context.Background(), testMeshID); err == nil {
		t.Error("mesh must not be registered after a failed proof")
	}
}

func TestRegisterMeshKeyPinning(t *testing.T) {
	tr := newTestRelay(t)

	first := tr.registerFounder(t)
	first.Close()

	// A different key cannot take over the mesh id, even with a valid
	// proof for that key.
	otherPub, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	conn := tr.dial(t)
	send(t, conn, &Frame{
		Type:          TypeRegisterMesh,
		MeshID:        testMeshID,
		NodeID:        memberNodeID,
		MeshPublicKey: base64.StdEncoding.EncodeToString(otherPub),
		FounderProof:  FounderProof(testMeshID, otherPriv),
	})
	f := recvType(t, conn, TypeError)
	if !strings.Contains(f.Error, "different key") {
		t.Errorf("error = %q, want key pinning rejection", f.Error)
	}

	// The original key reconnects fine.
	again := tr.registerFounder(t)
	send(t, again, &Frame{Type: TypePing})
	recvType(t, again, TypePong)
}

func TestJoinUnknownMesh(t *testing.T) {
	tr := newTestRelay(t)

	conn := tr.dial(t)
	send(t, conn, &Frame{Type: TypeJoin, MeshID: "0000000000000000", NodeID: memberNodeID})
	f := recvType(t, conn, TypeError)
	if !strings.Contains(f.Error, "unknown mesh") {
		t.Errorf("error = %q, want unknown mesh", f.Error)
	}
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	tr := newTestRelay(t)

	conn := tr.dial(t)
	send(t, conn, &Frame{Type: TypePing})
	f := recvType(t, conn, TypeError)
	if !strings.Contains(f.Error, "register_mesh or join") {
		t.Errorf("error = %q", f.Error)
	}
}

func TestJoinAndPeerNotifications(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)

	member, joined := tr.join(t, memberNodeID, "laptop")
	if joined.Mesh != "demo-mesh" {
		t.Errorf("joined mesh name = %q, want demo-mesh", joined.Mesh)
	}
	if joined.NodeCount != 2 {
		t.Errorf("node_count = %d, want 2", joined.NodeCount)
	}
	if len(joined.Peers) != 1 || joined.Peers[0] != founderNodeID {
		t.Errorf("member peers = %v, want [%s]", joined.Peers, founderNodeID)
	}
	f := recvType(t, founder, TypePeerJoined)
	if f.NodeID != memberNodeID {
		t.Errorf("peer_joined = %s, want %s", f.NodeID, memberNodeID)
	}
	if f.Name != "laptop" {
		t.Errorf("peer_joined name = %q, want laptop", f.Name)
	}
	if len(f.Capabilities) != 1 || f.Capabilities[0] != "chat" {
		t.Errorf("peer_joined capabilities = %v", f.Capabilities)
	}

	_, joined3 := tr.join(t, thirdNodeID, "phone")
	if len(joined3.Peers) != 2 || joined3.Peers[0] != founderNodeID || joined3.Peers[1] != memberNodeID {
		t.Errorf("third peers = %v, want sorted [%s %s]", joined3.Peers, founderNodeID, memberNodeID)
	}
	recvType(t, founder, TypePeerJoined)
	recvType(t, member, TypePeerJoined)

	// An explicit peers request excludes the asker.
	send(t, member, &Frame{Type: TypePeers})
	f = recvType(t, member, TypePeers)
	if len(f.Peers) != 2 || f.Peers[0] != founderNodeID || f.Peers[1] != thirdNodeID {
		t.Errorf("peers = %v, want [%s %s]", f.Peers, founderNodeID, thirdNodeID)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)
	member, _ := tr.join(t, memberNodeID, "laptop")
	recvType(t, founder, TypePeerJoined)
	third, _ := tr.join(t, thirdNodeID, "phone")
	recvType(t, founder, TypePeerJoined)
	recvType(t, member, TypePeerJoined)

	send(t, founder, &Frame{Type: TypeBroadcast, Payload: []byte(`{"hello":true}`)})

	for _, conn := range []*websocket.Conn{member, third} {
		f := recvType(t, conn, TypeBroadcast)
		if f.From != founderNodeID {
			t.Errorf("broadcast from = %s, want %s", f.From, founderNodeID)
		}
		if string(f.Payload) != `{"hello":true}` {
			t.Errorf("broadcast payload = %s", f.Payload)
		}
	}

	// The sender is excluded from its own fan-out. Frames to a client
	// are ordered, so a pong arriving first proves the broadcast was
	// never queued for the sender.
	send(t, founder, &Frame{Type: TypePing})
	recvType(t, founder, TypePong)
}

func TestTargetedMessage(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)
	member, _ := tr.join(t, memberNodeID, "laptop")
	recvType(t, founder, TypePeerJoined)

	send(t, founder, &Frame{
		Type:      TypeLLMRequest,
		To:        memberNodeID,
		RequestID: "req-1",
		Payload:   []byte(`{"intent":"describe this image"}`),
	})
	f := recvType(t, member, TypeLLMRequest)
	if f.From != founderNodeID {
		t.Errorf("from = %s, want %s (relay must stamp the sender)", f.From, founderNodeID)
	}
	if f.RequestID != "req-1" {
		t.Errorf("request_id = %s", f.RequestID)
	}

	// Reply flows back over the same correlation id. llm_response
	// addresses its recipient through the target field.
	send(t, member, &Frame{Type: TypeLLMResponse, Target: founderNodeID, RequestID: "req-1"})
	f = recvType(t, founder, TypeLLMResponse)
	if f.From != memberNodeID || f.RequestID != "req-1" {
		t.Errorf("response from=%s request_id=%s", f.From, f.RequestID)
	}

	// Unknown target reports back with the request id intact.
	send(t, founder, &Frame{Type: TypeMessage, To: "dddddddddddddddd", RequestID: "req-2"})
	f = recvType(t, founder, TypeError)
	if !strings.Contains(f.Error, "not connected") {
		t.Errorf("error = %q", f.Error)
	}
	if f.RequestID != "req-2" {
		t.Errorf("error request_id = %s, want req-2", f.RequestID)
	}
}

func TestPeerLeft(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)
	member, _ := tr.join(t, memberNodeID, "laptop")
	recvType(t, founder, TypePeerJoined)

	member.Close()

	f := recvType(t, founder, TypePeerLeft)
	if f.NodeID != memberNodeID {
		t.Errorf("peer_left = %s, want %s", f.NodeID, memberNodeID)
	}
}

func TestSessionReplacement(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)
	old, _ := tr.join(t, memberNodeID, "laptop")
	recvType(t, founder, TypePeerJoined)

	// The same node reconnects; the relay replaces the old session
	// instead of rejecting the new one.
	fresh, joined := tr.join(t, memberNodeID, "laptop")
	if len(joined.Peers) != 1 || joined.Peers[0] != founderNodeID {
		t.Errorf("rejoin peers = %v, want [%s]", joined.Peers, founderNodeID)
	}
	recvType(t, founder, TypePeerJoined)

	// The old session is closed by the server.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Error("old session should be closed after replacement")
	}

	// The replacement did not shrink the mesh and no peer_left fired:
	// the founder's next frame is the pong, not a departure notice.
	send(t, fresh, &Frame{Type: TypePing})
	recvType(t, fresh, TypePong)
	send(t, founder, &Frame{Type: TypePing})
	recvType(t, founder, TypePong)

	if got := tr.hub.MeshPeers(testMeshID); len(got) != 2 {
		t.Errorf("mesh peers = %v, want 2", got)
	}
}

func TestRelayStatsEndpoints(t *testing.T) {
	tr := newTestRelay(t)

	founder := tr.registerFounder(t)
	member, _ := tr.join(t, memberNodeID, "laptop")
	recvType(t, founder, TypePeerJoined)

	// Round trips flush the per-connection stat writes.
	for _, conn := range []*websocket.Conn{founder, member} {
		send(t, conn, &Frame{Type: TypePing})
		recvType(t, conn, TypePong)
	}

	resp, err := tr.ts.Client().Get(tr.ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Service       string           `json:"service"`
		ClientsOnline int              `json:"clients_online"`
		MeshesOnline  int              `json:"meshes_online"`
		Counters      map[string]int64 `json:"counters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Service != "atmosphere-relay" {
		t.Errorf("service = %s", stats.Service)
	}
	if stats.ClientsOnline != 2 || stats.MeshesOnline != 1 {
		t.Errorf("online = %d clients / %d meshes, want 2/1", stats.ClientsOnline, stats.MeshesOnline)
	}
	if stats.Counters["registrations"] != 1 || stats.Counters["joins"] != 1 || stats.Counters["connects"] != 2 {
		t.Errorf("counters = %v", stats.Counters)
	}

	resp2, err := tr.ts.Client().Get(tr.ts.URL + "/api/meshes/" + testMeshID)
	if err != nil {
		t.Fatalf("GET mesh: %v", err)
	}
	defer resp2.Body.Close()
	var mesh struct {
		Mesh        MeshRecord `json:"mesh"`
		DeviceCount int        `json:"device_count"`
		Online      []string   `json:"online"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&mesh); err != nil {
		t.Fatalf("decode mesh: %v", err)
	}
	if mesh.Mesh.MeshID != testMeshID {
		t.Errorf("mesh_id = %s", mesh.Mesh.MeshID)
	}
	if mesh.DeviceCount != 2 {
		t.Errorf("device_count = %d, want 2", mesh.DeviceCount)
	}
	if len(mesh.Online) != 2 {
		t.Errorf("online = %v, want both nodes", mesh.Online)
	}
}
