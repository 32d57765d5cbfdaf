// Package gossip implements the announcement protocol: periodic capability
// broadcasts, replay-resistant flood forwarding with TTL decrement, and the
// learning path that feeds the gradient and routing tables. Gossip is the
// sole mechanism by which nodes learn about each other's capabilities.
package gossip

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// TypeAnnounce is the only envelope type on the gossip wire.
	TypeAnnounce = "announce"
	// MaxTTL is the initial hop budget of a fresh announcement.
	MaxTTL = 10
	// MaxCapabilities caps how many capability entries one envelope carries.
	MaxCapabilities = 50
	// NonceLength is the hex length of the 16-byte envelope nonce.
	NonceLength = 32
	// MaxInboundCapabilities is the hard parse bound on inbound envelopes,
	// above the build-side cap to tolerate older senders.
	MaxInboundCapabilities = 200
)

// CapabilityEntry is one advertised capability inside an announcement.
// Local entries (hops=0) belong to the envelope's sender; the rest are
// gradient re-exports with Via naming the terminal node.
type CapabilityEntry struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Vector      []float32      `json:"vector"`
	Local       bool           `json:"local"`
	Hops        int            `json:"hops"`
	Via         string         `json:"via,omitempty"`
	Models      []string       `json:"models,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	LatencyMS   float64        `json:"estimated_latency_ms,omitempty"`
}

// ResourceSnapshot advertises spare capacity so routers can prefer idle
// providers. All fields are best-effort.
type ResourceSnapshot struct {
	CPUAvailable      float64  `json:"cpu_available"`
	MemoryAvailableMB float64  `json:"memory_available_mb"`
	GPUAvailable      float64  `json:"gpu_available"`
	BatteryPercent    *float64 `json:"battery_percent,omitempty"`
}

// EndpointInfo is the sender's current reachability snapshot, merged into
// the receiver's peer endpoint registry.
type EndpointInfo struct {
	NodeID      string   `json:"node_id"`
	LocalIPs    []string `json:"local_ips"`
	LocalPort   int      `json:"local_port"`
	RelayURL    string   `json:"relay_url,omitempty"`
	LastUpdated float64  `json:"last_updated"`
}

// Announcement is the gossip wire envelope. From stays the original
// announcer across forwards; the nonce cache is what stops flood loops.
type Announcement struct {
	Type         string            `json:"type"`
	From         string            `json:"from"`
	Capabilities []CapabilityEntry `json:"capabilities"`
	Resources    *ResourceSnapshot `json:"resources,omitempty"`
	Endpoints    *EndpointInfo     `json:"endpoints,omitempty"`
	Timestamp    float64           `json:"timestamp"`
	TTL          int               `json:"ttl"`
	Nonce        string            `json:"nonce"`
}

// NewNonce returns 16 random bytes as 32 hex chars.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Encode serializes the announcement as UTF-8 JSON.
func (a *Announcement) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal announcement: %w", err)
	}
	return data, nil
}

// DecodeAnnouncement parses and structurally validates an inbound envelope.
// vectorDim > 0 additionally pins the expected embedding width.
func DecodeAnnouncement(data []byte, vectorDim int) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("malformed announcement: %w", err)
	}
	if err := a.Validate(vectorDim); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks every envelope field. Called on the inbound path before
// any table is touched; a failure means the envelope is dropped whole.
func (a *Announcement) Validate(vectorDim int) error {
	if a.Type != TypeAnnounce {
		return fmt.Errorf("type: unknown envelope type %q", a.Type)
	}
	if err := validateNodeID(a.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if a.TTL < 1 || a.TTL > MaxTTL {
		return fmt.Errorf("ttl: %d out of range 1-%d", a.TTL, MaxTTL)
	}
	if len(a.Nonce) != NonceLength {
		return fmt.Errorf("nonce: length %d, want %d", len(a.Nonce), NonceLength)
	}
	if _, err := hex.DecodeString(a.Nonce); err != nil {
		return fmt.Errorf("nonce: not hex: %w", err)
	}
	if a.Timestamp <= 0 {
		return fmt.Errorf("timestamp: missing")
	}
	if len(a.Capabilities) > MaxInboundCapabilities {
		return fmt.Errorf("capabilities: too many entries (%d, max %d)", len(a.Capabilities), MaxInboundCapabilities)
	}
	for i := range a.Capabilities {
		if err := a.Capabilities[i].validate(vectorDim); err != nil {
			return fmt.Errorf("capabilities[%d]: %w", i, err)
		}
	}
	if a.Endpoints != nil {
		if err := a.Endpoints.validate(); err != nil {
			return fmt.Errorf("endpoints: %w", err)
		}
	}
	return nil
}

func (c *CapabilityEntry) validate(vectorDim int) error {
	if c.ID == "" {
		return fmt.Errorf("empty capability ID")
	}
	if c.Label == "" {
		return fmt.Errorf("empty label")
	}
	if len(c.Vector) == 0 {
		return fmt.Errorf("missing vector")
	}
	if vectorDim > 0 && len(c.Vector) != vectorDim {
		return fmt.Errorf("vector has %d dims, want %d", len(c.Vector), vectorDim)
	}
	if c.Hops < 0 || c.Hops > MaxTTL {
		return fmt.Errorf("hops %d out of range", c.Hops)
	}
	if c.Local && c.Hops != 0 {
		return fmt.Errorf("local capability with hops=%d", c.Hops)
	}
	if !c.Local && c.Via != "" {
		if err := validateNodeID(c.Via); err != nil {
			return fmt.Errorf("via: %w", err)
		}
	}
	return nil
}

func (e *EndpointInfo) validate() error {
	if err := validateNodeID(e.NodeID); err != nil {
		return fmt.Errorf("node_id: %w", err)
	}
	if e.LocalPort != 0 && (e.LocalPort < 1 || e.LocalPort > 65535) {
		return fmt.Errorf("local_port %d out of range", e.LocalPort)
	}
	for i, ip := range e.LocalIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("local_ips[%d]: invalid IP %q", i, ip)
		}
	}
	return nil
}

// validateNodeID accepts the 16-hex-char short IDs produced by identity.
func validateNodeID(id string) error {
	if len(id) != 16 {
		return fmt.Errorf("node ID length %d, want 16", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("node ID not hex: %q", id)
	}
	return nil
}

// Age returns how far the envelope timestamp lies from now, absolute.
func (a *Announcement) Age(now time.Time) time.Duration {
	sent := time.Unix(0, int64(a.Timestamp*float64(time.Second)))
	d := now.Sub(sent)
	if d < 0 {
		d = -d
	}
	return d
}

// String is a compact log form.
func (a *Announcement) String() string {
	return "announce from=" + a.From + " caps=" + strconv.Itoa(len(a.Capabilities)) +
		" ttl=" + strconv.Itoa(a.TTL) + " nonce=" + a.Nonce[:8]
}
