package rpc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClientServerIntegration(t *testing.T) {
	// Create a temporary socket path in a unique per-test directory
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "atmosphere-test.sock")

	now := time.Now()
	mockPeer := &PeerData{
		NodeID:     "abcd1234ef567890",
		Name:       "kitchen-pi",
		Transports: []string{"lan"},
		LastSeen:   now,
	}
	mockDevice := &DeviceData{
		NodeID:       "abcd1234ef567890",
		Name:         "kitchen-pi",
		Capabilities: []string{"vision"},
		FirstSeen:    now.Add(-time.Hour),
		LastSeen:     now,
		Trust:        "member",
	}
	mockStatus := &StatusData{
		NodeID:           "1122334455667788",
		Name:             "desk",
		MeshID:           "99aabbccddeeff00",
		MeshName:         "Home",
		Founder:          true,
		Uptime:           5 * time.Minute,
		Peers:            1,
		Capabilities:     []string{"llm"},
		GradientEntries:  1,
		KnownDevices:     1,
		EmbeddingBackend: "hash",
		EmbeddingDim:     768,
	}
	mockCap := &CapabilityInfo{
		ID:          "cap-1",
		Label:       "llm",
		Description: "natural language text generation",
	}
	mockRemote := &RemoteCapability{
		Label:      "vision",
		NextHop:    mockPeer.NodeID,
		Hops:       1,
		Confidence: 0.95,
	}

	// Create server
	config := ServerConfig{
		SocketPath: socketPath,
		Version:    "test-v1.0",
		GetStatus: func() *StatusData {
			return mockStatus
		},
		GetPeers: func() []*PeerData {
			return []*PeerData{mockPeer}
		},
		GetDevices: func() []*DeviceData {
			return []*DeviceData{mockDevice}
		},
		SetTrust: func(nodeID, level string) (*DeviceData, error) {
			if nodeID != mockDevice.NodeID {
				return nil, fmt.Errorf("unknown device %s", nodeID)
			}
			updated := *mockDevice
			updated.Trust = level
			return &updated, nil
		},
		GetCapabilities: func() ([]*CapabilityInfo, []*RemoteCapability) {
			return []*CapabilityInfo{mockCap}, []*RemoteCapability{mockRemote}
		},
		RegisterCapability: func(_ context.Context, label, description, handler string, models []string) (*CapabilityInfo, error) {
			return &CapabilityInfo{ID: "cap-2", Label: label, Description: description, Handler: handler, Models: models}, nil
		},
		RouteIntent: func(_ context.Context, intent string, payload map[string]interface{}) (*RouteResult, error) {
			if intent != "describe this photo" {
				return nil, fmt.Errorf("no capability matches %q", intent)
			}
			return &RouteResult{
				Action:     "process_local",
				Capability: "vision",
				Score:      0.92,
				Provider:   mockStatus.NodeID,
				Backend:    "vision",
				Output:     map[string]interface{}{"echo": true},
			}, nil
		},
		MintInvite: func(subject string, ttl time.Duration) (*InviteResult, error) {
			code := "am9pbmNvZGU"
			if subject != "" {
				code += ":" + subject
			}
			return &InviteResult{
				Invite:    code,
				DeepLink:  "atmosphere://join?invite=" + code,
				ExpiresAt: now.Add(ttl).Format(time.RFC3339),
			}, nil
		},
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	// Start server
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Stop()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Create client
	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	// Test daemon.ping
	t.Run("daemon.ping", func(t *testing.T) {
		result, err := client.Call("daemon.ping", nil)
		if err != nil {
			t.Fatalf("daemon.ping failed: %v", err)
		}

		resultMap := result.(map[string]interface{})
		if resultMap["pong"] != true {
			t.Error("expected pong to be true")
		}
		if resultMap["version"] != "test-v1.0" {
			t.Errorf("expected version test-v1.0, got %v", resultMap["version"])
		}
	})

	// Test daemon.status
	t.Run("daemon.status", func(t *testing.T) {
		var status StatusResult
		if err := client.CallInto("daemon.status", nil, &status); err != nil {
			t.Fatalf("daemon.status failed: %v", err)
		}
		if status.NodeID != mockStatus.NodeID {
			t.Errorf("expected node_id %s, got %s", mockStatus.NodeID, status.NodeID)
		}
		if status.MeshName != "Home" || !status.Founder {
			t.Errorf("mesh fields wrong: %+v", status)
		}
		if status.UptimeSec != 300 {
			t.Errorf("expected uptime 300s, got %d", status.UptimeSec)
		}
		if status.Version != "test-v1.0" {
			t.Errorf("expected version test-v1.0, got %s", status.Version)
		}
	})

	// Test peers.list
	t.Run("peers.list", func(t *testing.T) {
		var peers PeersListResult
		if err := client.CallInto("peers.list", nil, &peers); err != nil {
			t.Fatalf("peers.list failed: %v", err)
		}
		if len(peers.Peers) != 1 {
			t.Fatalf("expected 1 peer, got %d", len(peers.Peers))
		}
		if peers.Peers[0].NodeID != mockPeer.NodeID {
			t.Errorf("expected node_id %s, got %s", mockPeer.NodeID, peers.Peers[0].NodeID)
		}
		if peers.Peers[0].LastSeen == "" {
			t.Error("last_seen missing")
		}
	})

	// Test devices.list
	t.Run("devices.list", func(t *testing.T) {
		var devices DevicesListResult
		if err := client.CallInto("devices.list", nil, &devices); err != nil {
			t.Fatalf("devices.list failed: %v", err)
		}
		if len(devices.Devices) != 1 {
			t.Fatalf("expected 1 device, got %d", len(devices.Devices))
		}
		if devices.Devices[0].Trust != "member" {
			t.Errorf("expected trust member, got %s", devices.Devices[0].Trust)
		}
	})

	// Test devices.trust
	t.Run("devices.trust", func(t *testing.T) {
		var dev DeviceInfo
		params := map[string]interface{}{"node_id": mockDevice.NodeID, "trust": "trusted"}
		if err := client.CallInto("devices.trust", params, &dev); err != nil {
			t.Fatalf("devices.trust failed: %v", err)
		}
		if dev.Trust != "trusted" {
			t.Errorf("expected trust trusted, got %s", dev.Trust)
		}
	})

	// Test devices.trust with unknown device
	t.Run("devices.trust unknown", func(t *testing.T) {
		params := map[string]interface{}{"node_id": "nope", "trust": "blocked"}
		if _, err := client.Call("devices.trust", params); err == nil {
			t.Error("expected error for unknown device")
		}
	})

	// Test capabilities.list
	t.Run("capabilities.list", func(t *testing.T) {
		var caps CapabilitiesResult
		if err := client.CallInto("capabilities.list", nil, &caps); err != nil {
			t.Fatalf("capabilities.list failed: %v", err)
		}
		if len(caps.Local) != 1 || caps.Local[0].Label != "llm" {
			t.Errorf("local capabilities wrong: %+v", caps.Local)
		}
		if len(caps.Remote) != 1 || caps.Remote[0].NextHop != mockPeer.NodeID {
			t.Errorf("remote capabilities wrong: %+v", caps.Remote)
		}
	})

	// Test capabilities.register
	t.Run("capabilities.register", func(t *testing.T) {
		var info CapabilityInfo
		params := map[string]interface{}{
			"label":       "sensors",
			"description": "temperature readings",
			"models":      []interface{}{"dht22"},
		}
		if err := client.CallInto("capabilities.register", params, &info); err != nil {
			t.Fatalf("capabilities.register failed: %v", err)
		}
		if info.Label != "sensors" || len(info.Models) != 1 {
			t.Errorf("registered capability wrong: %+v", info)
		}
	})

	// Test capabilities.register without a description
	t.Run("capabilities.register invalid", func(t *testing.T) {
		params := map[string]interface{}{"label": "sensors"}
		if _, err := client.Call("capabilities.register", params); err == nil {
			t.Error("expected error for missing description")
		}
	})

	// Test intent.route
	t.Run("intent.route", func(t *testing.T) {
		var route RouteResult
		params := map[string]interface{}{
			"intent":  "describe this photo",
			"payload": map[string]interface{}{"photo": "x.jpg"},
		}
		if err := client.CallInto("intent.route", params, &route); err != nil {
			t.Fatalf("intent.route failed: %v", err)
		}
		if route.Action != "process_local" || route.Capability != "vision" {
			t.Errorf("route result wrong: %+v", route)
		}
		if route.Output["echo"] != true {
			t.Errorf("output wrong: %v", route.Output)
		}
	})

	// Test intent.route without an intent
	t.Run("intent.route missing param", func(t *testing.T) {
		if _, err := client.Call("intent.route", nil); err == nil {
			t.Error("expected error for missing intent")
		}
	})

	// Test mesh.invite
	t.Run("mesh.invite", func(t *testing.T) {
		var invite InviteResult
		params := map[string]interface{}{"ttl_seconds": float64(3600)}
		if err := client.CallInto("mesh.invite", params, &invite); err != nil {
			t.Fatalf("mesh.invite failed: %v", err)
		}
		if invite.Invite == "" || invite.DeepLink == "" {
			t.Errorf("invite result missing fields: %+v", invite)
		}
		if strings.Contains(invite.Invite, ":") {
			t.Errorf("expected an open invite, got %q", invite.Invite)
		}
	})

	// Test mesh.invite bound to a node
	t.Run("mesh.invite bound", func(t *testing.T) {
		var invite InviteResult
		params := map[string]interface{}{
			"ttl_seconds": float64(3600),
			"node_id":     "feedfacecafebeef",
		}
		if err := client.CallInto("mesh.invite", params, &invite); err != nil {
			t.Fatalf("mesh.invite failed: %v", err)
		}
		if !strings.HasSuffix(invite.Invite, ":feedfacecafebeef") {
			t.Errorf("subject not threaded through, got %q", invite.Invite)
		}
	})

	// Test invalid method
	t.Run("invalid method", func(t *testing.T) {
		_, err := client.Call("invalid.method", nil)
		if err == nil {
			t.Error("expected error for invalid method")
		}
	})
}
