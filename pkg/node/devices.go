package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DevicesFileVersion is bumped when the on-disk shape changes.
const DevicesFileVersion = 1

// Trust levels recorded per device. Every device in the registry passed
// mesh authentication at least once; "blocked" survives across sessions
// so rejoining does not reset it.
const (
	TrustMember  = "member"
	TrustTrusted = "trusted"
	TrustBlocked = "blocked"
)

// Device is one node ever seen on the mesh.
type Device struct {
	NodeID       string    `json:"node_id"`
	Name         string    `json:"name,omitempty"`
	DeviceType   string    `json:"device_type,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Trust        string    `json:"trust"`
}

type devicesFile struct {
	Version int                `json:"version"`
	Devices map[string]*Device `json:"devices"`
}

// DeviceRegistry persists every device the node has ever seen. Writes
// are batched: Observe/Touch mark the registry dirty and Flush writes it
// out, which the node does on a timer and at shutdown.
type DeviceRegistry struct {
	mu      sync.Mutex
	path    string
	devices map[string]*Device
	dirty   bool
}

// LoadDevices reads the registry at path, starting empty when the file
// does not exist yet. Unknown future versions are refused rather than
// silently rewritten.
func LoadDevices(path string) (*DeviceRegistry, error) {
	reg := &DeviceRegistry{
		path:    path,
		devices: make(map[string]*Device),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	var file devicesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	if file.Version > DevicesFileVersion {
		return nil, fmt.Errorf("devices file version %d is newer than supported %d", file.Version, DevicesFileVersion)
	}
	if file.Devices != nil {
		reg.devices = file.Devices
	}
	return reg, nil
}

// Observe records a device sighting with the metadata it presented.
// First sight sets FirstSeen and member trust; later sights refresh
// LastSeen and overwrite name/capabilities when provided.
func (r *DeviceRegistry) Observe(nodeID, name, deviceType string, capabilities []string) {
	if nodeID == "" {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[nodeID]
	if !ok {
		dev = &Device{
			NodeID:    nodeID,
			FirstSeen: now,
			Trust:     TrustMember,
		}
		r.devices[nodeID] = dev
	}
	dev.LastSeen = now
	if name != "" {
		dev.Name = name
	}
	if deviceType != "" {
		dev.DeviceType = deviceType
	}
	if len(capabilities) > 0 {
		dev.Capabilities = append([]string(nil), capabilities...)
	}
	r.dirty = true
}

// Touch refreshes LastSeen for a device already in the registry.
func (r *DeviceRegistry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[nodeID]; ok {
		dev.LastSeen = time.Now()
		r.dirty = true
	}
}

// SetTrust updates a device's trust level.
func (r *DeviceRegistry) SetTrust(nodeID, trust string) error {
	switch trust {
	case TrustMember, TrustTrusted, TrustBlocked:
	default:
		return fmt.Errorf("unknown trust level %q", trust)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[nodeID]
	if !ok {
		return fmt.Errorf("unknown device %s", nodeID)
	}
	dev.Trust = trust
	r.dirty = true
	return nil
}

// Get returns a copy of one device record.
func (r *DeviceRegistry) Get(nodeID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[nodeID]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Snapshot returns all devices sorted by node ID.
func (r *DeviceRegistry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len reports the registry size.
func (r *DeviceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Flush writes the registry if anything changed since the last flush.
func (r *DeviceRegistry) Flush() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	file := devicesFile{
		Version: DevicesFileVersion,
		Devices: make(map[string]*Device, len(r.devices)),
	}
	for id, dev := range r.devices {
		cp := *dev
		file.Devices[id] = &cp
	}
	r.dirty = false
	path := r.path
	r.mu.Unlock()

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode devices file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace devices file: %w", err)
	}
	return nil
}
