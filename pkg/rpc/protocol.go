package rpc

// JSON-RPC 2.0 protocol structures

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// PeerInfo represents one live peer connection in RPC responses
type PeerInfo struct {
	NodeID     string   `json:"node_id"`
	Name       string   `json:"name,omitempty"`
	Transports []string `json:"transports"`
	LastSeen   string   `json:"last_seen,omitempty"` // ISO 8601 format
}

// PeersListResult represents the result of peers.list
type PeersListResult struct {
	Peers []*PeerInfo `json:"peers"`
}

// DeviceInfo represents one device registry entry in RPC responses
type DeviceInfo struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	FirstSeen    string   `json:"first_seen"` // ISO 8601 format
	LastSeen     string   `json:"last_seen"`
	Trust        string   `json:"trust"`
}

// DevicesListResult represents the result of devices.list
type DevicesListResult struct {
	Devices []*DeviceInfo `json:"devices"`
}

// CapabilityInfo represents one locally registered capability
type CapabilityInfo struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Handler     string   `json:"handler,omitempty"`
	Models      []string `json:"models,omitempty"`
}

// RemoteCapability represents one gradient table entry
type RemoteCapability struct {
	Label      string  `json:"label"`
	NextHop    string  `json:"next_hop"`
	Via        string  `json:"via,omitempty"`
	Hops       int     `json:"hops"`
	Confidence float64 `json:"confidence"`
}

// CapabilitiesResult represents the result of capabilities.list
type CapabilitiesResult struct {
	Local  []*CapabilityInfo   `json:"local"`
	Remote []*RemoteCapability `json:"remote"`
}

// RouteResult represents the result of intent.route
type RouteResult struct {
	Action     string                 `json:"action"`
	Capability string                 `json:"capability,omitempty"`
	Score      float64                `json:"score"`
	Hops       int                    `json:"hops,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Backend    string                 `json:"backend,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
}

// InviteResult represents the result of mesh.invite
type InviteResult struct {
	Invite    string   `json:"invite"` // bare base64 join code
	DeepLink  string   `json:"deep_link"`
	Endpoints []string `json:"endpoints,omitempty"`
	ExpiresAt string   `json:"expires_at"` // ISO 8601 format
}

// StatusResult represents the result of daemon.status
type StatusResult struct {
	NodeID           string   `json:"node_id"`
	Name             string   `json:"name"`
	MeshID           string   `json:"mesh_id"`
	MeshName         string   `json:"mesh_name"`
	Founder          bool     `json:"founder"`
	UptimeSec        int64    `json:"uptime_sec"`
	Peers            int      `json:"peers"`
	Capabilities     []string `json:"capabilities"`
	GradientEntries  int      `json:"gradient_entries"`
	PendingRequests  int      `json:"pending_requests"`
	KnownDevices     int      `json:"known_devices"`
	EmbeddingBackend string   `json:"embedding_backend"`
	EmbeddingDim     int      `json:"embedding_dim"`
	Version          string   `json:"version"`
}

// DaemonPingResult represents the result of daemon.ping
type DaemonPingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}
