package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PeerData represents a live peer connection for RPC
type PeerData struct {
	NodeID     string
	Name       string
	Transports []string
	LastSeen   time.Time
}

// DeviceData represents a device registry entry for RPC
type DeviceData struct {
	NodeID       string
	Name         string
	Capabilities []string
	FirstSeen    time.Time
	LastSeen     time.Time
	Trust        string
}

// StatusData represents node status for RPC
type StatusData struct {
	NodeID           string
	Name             string
	MeshID           string
	MeshName         string
	Founder          bool
	Uptime           time.Duration
	Peers            int
	Capabilities     []string
	GradientEntries  int
	PendingRequests  int
	KnownDevices     int
	EmbeddingBackend string
	EmbeddingDim     int
}

// ServerConfig configures the RPC server with callback functions
type ServerConfig struct {
	SocketPath string
	Version    string

	GetStatus          func() *StatusData
	GetPeers           func() []*PeerData
	GetDevices         func() []*DeviceData
	SetTrust           func(nodeID, level string) (*DeviceData, error)
	GetCapabilities    func() (local []*CapabilityInfo, remote []*RemoteCapability)
	RegisterCapability func(ctx context.Context, label, description, handler string, models []string) (*CapabilityInfo, error)
	RouteIntent        func(ctx context.Context, intent string, payload map[string]interface{}) (*RouteResult, error)
	MintInvite         func(subject string, ttl time.Duration) (*InviteResult, error)
}

// Server implements an RPC server using Unix domain sockets
type Server struct {
	socketPath string
	listener   net.Listener
	version    string
	cfg        ServerConfig
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new RPC server
func NewServer(config ServerConfig) (*Server, error) {
	// Remove existing socket if it exists
	if _, err := os.Stat(config.SocketPath); err == nil {
		if err := os.Remove(config.SocketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	// Ensure directory exists
	dir := filepath.Dir(config.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		socketPath: config.SocketPath,
		version:    config.Version,
		cfg:        config,
		ctx:        ctx,
		cancel:     cancel,
	}

	return s, nil
}

// Start starts the RPC server
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to 0600 (owner only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[RPC] listening on %s", s.socketPath)

	// Accept connections
	go s.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[RPC] accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		// Parse request
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := &Response{
				JSONRPC: "2.0",
				Error: &Error{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("failed to parse request: %v", err),
				},
				ID: nil,
			}
			s.writeResponse(writer, resp)
			continue
		}

		// Handle request
		resp := s.handleRequest(&req)
		s.writeResponse(writer, resp)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[RPC] connection error: %v", err)
	}
}

// writeResponse writes a response to the connection
func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[RPC] failed to encode response: %v", err)
		return
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("[RPC] failed to write response: %v", err)
		return
	}

	if err := w.Flush(); err != nil {
		log.Printf("[RPC] failed to flush response: %v", err)
	}
}

// handleRequest handles a single RPC request
func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid jsonrpc version, must be 2.0",
		}
		return resp
	}

	// Dispatch to handler
	switch req.Method {
	case "daemon.ping":
		resp.Result = &DaemonPingResult{Pong: true, Version: s.version}

	case "daemon.status":
		result, err := s.handleDaemonStatus(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "peers.list":
		result, err := s.handlePeersList(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "devices.list":
		result, err := s.handleDevicesList(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "devices.trust":
		result, err := s.handleDevicesTrust(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "capabilities.list":
		result, err := s.handleCapabilitiesList(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "capabilities.register":
		result, err := s.handleCapabilitiesRegister(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "intent.route":
		result, err := s.handleIntentRoute(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "mesh.invite":
		result, err := s.handleMeshInvite(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	default:
		resp.Error = &Error{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}

	return resp
}

// handleDaemonStatus implements daemon.status
func (s *Server) handleDaemonStatus(params map[string]interface{}) (*StatusResult, *Error) {
	status := s.cfg.GetStatus()

	return &StatusResult{
		NodeID:           status.NodeID,
		Name:             status.Name,
		MeshID:           status.MeshID,
		MeshName:         status.MeshName,
		Founder:          status.Founder,
		UptimeSec:        int64(status.Uptime.Seconds()),
		Peers:            status.Peers,
		Capabilities:     status.Capabilities,
		GradientEntries:  status.GradientEntries,
		PendingRequests:  status.PendingRequests,
		KnownDevices:     status.KnownDevices,
		EmbeddingBackend: status.EmbeddingBackend,
		EmbeddingDim:     status.EmbeddingDim,
		Version:          s.version,
	}, nil
}

// handlePeersList implements peers.list
func (s *Server) handlePeersList(params map[string]interface{}) (*PeersListResult, *Error) {
	peers := s.cfg.GetPeers()

	result := &PeersListResult{
		Peers: make([]*PeerInfo, 0, len(peers)),
	}

	for _, peer := range peers {
		info := &PeerInfo{
			NodeID:     peer.NodeID,
			Name:       peer.Name,
			Transports: peer.Transports,
		}
		if !peer.LastSeen.IsZero() {
			info.LastSeen = peer.LastSeen.Format(time.RFC3339)
		}
		result.Peers = append(result.Peers, info)
	}

	return result, nil
}

// handleDevicesList implements devices.list
func (s *Server) handleDevicesList(params map[string]interface{}) (*DevicesListResult, *Error) {
	devices := s.cfg.GetDevices()

	result := &DevicesListResult{
		Devices: make([]*DeviceInfo, 0, len(devices)),
	}

	for _, dev := range devices {
		result.Devices = append(result.Devices, deviceInfo(dev))
	}

	return result, nil
}

// handleDevicesTrust implements devices.trust
func (s *Server) handleDevicesTrust(params map[string]interface{}) (*DeviceInfo, *Error) {
	nodeID, ok := params["node_id"].(string)
	if !ok || nodeID == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'node_id' parameter",
		}
	}
	level, ok := params["trust"].(string)
	if !ok || level == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'trust' parameter",
		}
	}

	dev, err := s.cfg.SetTrust(nodeID, level)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: err.Error(),
		}
	}

	return deviceInfo(dev), nil
}

func deviceInfo(dev *DeviceData) *DeviceInfo {
	return &DeviceInfo{
		NodeID:       dev.NodeID,
		Name:         dev.Name,
		Capabilities: dev.Capabilities,
		FirstSeen:    dev.FirstSeen.Format(time.RFC3339),
		LastSeen:     dev.LastSeen.Format(time.RFC3339),
		Trust:        dev.Trust,
	}
}

// handleCapabilitiesList implements capabilities.list
func (s *Server) handleCapabilitiesList(params map[string]interface{}) (*CapabilitiesResult, *Error) {
	local, remote := s.cfg.GetCapabilities()
	if local == nil {
		local = []*CapabilityInfo{}
	}
	if remote == nil {
		remote = []*RemoteCapability{}
	}
	return &CapabilitiesResult{Local: local, Remote: remote}, nil
}

// handleCapabilitiesRegister implements capabilities.register
func (s *Server) handleCapabilitiesRegister(params map[string]interface{}) (*CapabilityInfo, *Error) {
	label, ok := params["label"].(string)
	if !ok || label == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'label' parameter",
		}
	}
	description, ok := params["description"].(string)
	if !ok || description == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'description' parameter",
		}
	}
	handler, _ := params["handler"].(string)
	var models []string
	if raw, ok := params["models"].([]interface{}); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				models = append(models, s)
			}
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	info, err := s.cfg.RegisterCapability(ctx, label, description, handler, models)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		}
	}
	return info, nil
}

// handleIntentRoute implements intent.route
func (s *Server) handleIntentRoute(params map[string]interface{}) (*RouteResult, *Error) {
	intent, ok := params["intent"].(string)
	if !ok || intent == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'intent' parameter",
		}
	}
	payload, _ := params["payload"].(map[string]interface{})

	result, err := s.cfg.RouteIntent(s.ctx, intent, payload)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		}
	}
	return result, nil
}

// handleMeshInvite implements mesh.invite
func (s *Server) handleMeshInvite(params map[string]interface{}) (*InviteResult, *Error) {
	var ttl time.Duration
	if secs, ok := params["ttl_seconds"].(float64); ok && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	subject, _ := params["node_id"].(string)

	result, err := s.cfg.MintInvite(subject, ttl)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		}
	}
	return result, nil
}

// Stop stops the RPC server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	// Remove socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}

	log.Printf("[RPC] server stopped")
	return nil
}

// GetSocketPath determines the appropriate socket path
func GetSocketPath() string {
	// Check environment variable first
	if path := os.Getenv("ATMOSPHERE_SOCKET"); path != "" {
		return path
	}

	// Try /var/run (requires root)
	if IsWritable("/var/run") {
		return "/var/run/atmosphere.sock"
	}

	// Fallback to XDG_RUNTIME_DIR for non-root
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "atmosphere.sock")
	}

	// Last resort: /tmp
	return "/tmp/atmosphere.sock"
}

// IsWritable checks if a directory is writable
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if !info.IsDir() {
		return false
	}

	// Try to create a temporary file
	testFile := filepath.Join(path, ".atmosphere-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)

	return true
}

// FormatSocketPath formats a socket path for display, shortening home directory
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
