package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenPort != transport.DefaultPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, transport.DefaultPort)
	}
	if !cfg.MDNS {
		t.Error("mDNS should default on")
	}
	if cfg.DHT {
		t.Error("DHT should default off")
	}
	if cfg.GossipInterval() != 30*time.Second {
		t.Errorf("GossipInterval = %s", cfg.GossipInterval())
	}
	if cfg.MatchThreshold != 0.75 || cfg.MinRouteThreshold != 0.50 {
		t.Errorf("thresholds = %.2f/%.2f", cfg.MatchThreshold, cfg.MinRouteThreshold)
	}
	if cfg.EmbeddingBackend != "neural" {
		t.Errorf("EmbeddingBackend = %q", cfg.EmbeddingBackend)
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.NodeName = "workstation"
	cfg.ListenPort = 12000
	cfg.RelayURL = "wss://relay.example.com/ws"
	cfg.DHT = true
	cfg.Capabilities = []CapabilityConfig{{Label: "vision", Description: "image analysis"}}

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.NodeName != "workstation" || got.ListenPort != 12000 || !got.DHT {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0].Label != "vision" {
		t.Errorf("capabilities = %+v", got.Capabilities)
	}
}

// A partial file overrides only the fields it names.
func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := []byte(`{"node_name":"pi","listen_port":11451,"mdns":false,"gossip_interval_sec":30,"embedding_backend":"hash","embedding_url":"x","embedding_model":"y","embedding_cache":10,"match_threshold":0.8,"min_route_threshold":0.5,"gradient_capacity":100,"gradient_ttl_sec":60}`)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), partial, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MDNS {
		t.Error("file disabled mDNS but load kept it on")
	}
	if cfg.NodeName != "pi" || cfg.EmbeddingBackend != "hash" {
		t.Errorf("overrides lost: %+v", cfg)
	}
	// Unnamed fields keep their defaults.
	if cfg.DHT {
		t.Error("DHT flipped on without being named")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		mutil func(*Config)
	}{
		{"negative port", func(c *Config) { c.ListenPort = -1 }},
		{"port too high", func(c *Config) { c.ListenPort = 70000 }},
		{"match threshold above 1", func(c *Config) { c.MatchThreshold = 1.5 }},
		{"min above match", func(c *Config) { c.MinRouteThreshold = 0.9 }},
		{"unknown backend", func(c *Config) { c.EmbeddingBackend = "quantum" }},
		{"zero gossip interval", func(c *Config) { c.GossipIntervalSec = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutil(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}
