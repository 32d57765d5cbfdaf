package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
	"github.com/atmosphere-mesh/atmosphere/pkg/router"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

const (
	// ConfigFileName is the node settings file under the state dir.
	ConfigFileName = "config.json"
	// IdentityFileName holds the node keypair, owner-only.
	IdentityFileName = "identity.json"
	// DevicesFileName is the persistent registry of devices ever seen.
	DevicesFileName = "devices.json"

	// DefaultGossipIntervalSec matches the announce loop default.
	DefaultGossipIntervalSec = 30
)

// Config holds every runtime knob for a node. Zero values fall back to
// the defaults below, so a partial config.json only overrides what it
// names.
type Config struct {
	NodeName   string `json:"node_name,omitempty"`
	ListenPort int    `json:"listen_port"`
	RelayURL   string `json:"relay_url,omitempty"`

	// MDNS enables LAN service advertisement and browsing.
	MDNS bool `json:"mdns"`
	// DHT enables WAN discovery through the BitTorrent Mainline DHT.
	DHT     bool `json:"dht"`
	DHTPort int  `json:"dht_port,omitempty"`

	GossipIntervalSec int `json:"gossip_interval_sec"`
	AnnounceTTL       int `json:"announce_ttl,omitempty"`

	// EmbeddingBackend is "neural" (HTTP embedding API) or "hash"
	// (deterministic offline fallback).
	EmbeddingBackend string `json:"embedding_backend"`
	EmbeddingURL     string `json:"embedding_url"`
	EmbeddingModel   string `json:"embedding_model"`
	EmbeddingCache   int    `json:"embedding_cache"`

	MatchThreshold    float64 `json:"match_threshold"`
	MinRouteThreshold float64 `json:"min_route_threshold"`

	GradientCapacity int `json:"gradient_capacity"`
	GradientTTLSec   int `json:"gradient_ttl_sec"`

	// Capabilities are advertised and registered at startup. Nodes can
	// register more at runtime through the control socket.
	Capabilities []CapabilityConfig `json:"capabilities,omitempty"`

	// ProjectsFile feeds the fast project router; empty disables it.
	ProjectsFile string `json:"projects_file,omitempty"`

	// OTLPEndpoint, when set, is exported to the OTLP env vars before
	// telemetry init unless the environment already names one.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
}

// CapabilityConfig declares one capability in config.json.
type CapabilityConfig struct {
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Handler     string   `json:"handler,omitempty"`
	Models      []string `json:"models,omitempty"`
}

// DefaultConfig returns the settings a fresh node runs with.
func DefaultConfig() *Config {
	return &Config{
		ListenPort:        transport.DefaultPort,
		MDNS:              true,
		DHT:               false,
		GossipIntervalSec: DefaultGossipIntervalSec,
		EmbeddingBackend:  "neural",
		EmbeddingURL:      embedding.DefaultBackendURL,
		EmbeddingModel:    embedding.DefaultModel,
		EmbeddingCache:    embedding.DefaultCacheSize,
		MatchThreshold:    router.DefaultMatchThreshold,
		MinRouteThreshold: router.DefaultMinRouteThreshold,
		GradientCapacity:  routing.DefaultGradientCapacity,
		GradientTTLSec:    int(routing.DefaultGradientTTL / time.Second),
		LogLevel:          "info",
	}
}

// DefaultStateDir is ~/.atmosphere, or ./.atmosphere when the home
// directory cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atmosphere"
	}
	return filepath.Join(home, ".atmosphere")
}

// LoadConfig reads dir/config.json over the defaults. A missing file is
// not an error: the defaults are returned as-is.
func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config under dir, creating the directory if needed.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold %.2f out of range [0,1]", c.MatchThreshold)
	}
	if c.MinRouteThreshold < 0 || c.MinRouteThreshold > 1 {
		return fmt.Errorf("min_route_threshold %.2f out of range [0,1]", c.MinRouteThreshold)
	}
	if c.MinRouteThreshold > c.MatchThreshold {
		return fmt.Errorf("min_route_threshold %.2f exceeds match_threshold %.2f", c.MinRouteThreshold, c.MatchThreshold)
	}
	switch c.EmbeddingBackend {
	case "neural", "hash":
	default:
		return fmt.Errorf("unknown embedding_backend %q", c.EmbeddingBackend)
	}
	if c.GossipIntervalSec < 1 {
		return fmt.Errorf("gossip_interval_sec must be at least 1")
	}
	return nil
}

// GossipInterval returns the announce period as a duration.
func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.GossipIntervalSec) * time.Second
}

// GradientTTL returns the gradient entry lifetime as a duration.
func (c *Config) GradientTTL() time.Duration {
	return time.Duration(c.GradientTTLSec) * time.Second
}
