package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/identity"
	"github.com/atmosphere-mesh/atmosphere/pkg/node"
	"github.com/atmosphere-mesh/atmosphere/pkg/otel"
	"github.com/atmosphere-mesh/atmosphere/pkg/rpc"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flags first (--version or -v)
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("atmos " + version)
			return
		}
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("atmos " + version)
			return
		case "init":
			initCmd()
			return
		case "create-mesh":
			createMeshCmd()
			return
		case "join":
			joinCmd()
			return
		case "invite":
			inviteCmd()
			return
		case "token":
			tokenCmd()
			return
		case "daemon":
			daemonCmd()
			return
		case "status":
			statusCmd()
			return
		case "peers":
			peersCmd()
			return
		case "devices":
			devicesCmd()
			return
		case "capabilities":
			capabilitiesCmd()
			return
		case "route":
			routeCmd()
			return
		}
	}

	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`atmos - semantic capability mesh

FLAGS:
  --version, -v                 Show version information

SETUP SUBCOMMANDS:
  init                          Generate this node's identity
       [--state <dir>]          State directory (default: ~/.atmosphere)
       [--name <name>]          Node name (default: hostname)
  create-mesh --name <name>     Found a new mesh on this node
       [--threshold <n>]        Founder shares needed to reassemble the master key (default: 1)
       [--shares <n>]           Total founder shares to cut (default: 1)
       [--capabilities <csv>]   Founder capability labels recorded in mesh.json
  join                          Join an existing mesh
       [--invite <link>]        Invite deep link or join code
       [--endpoint <addr>]      Founder endpoint (host:port or ws:// URL)
  invite                        Mint a single-use invite (founders only)
       [--ttl <duration>]       Invite lifetime (default: 24h)
       [--node <id>]            Bind the invite to a specific node ID
       [--endpoint <csv>]       Endpoints to embed when no daemon is running
  token                         Show this node's membership token

  daemon                        Run the mesh node in the foreground
       [--name <name>]          Node name override
       [--port <n>]             LAN listen port
       [--relay <url>]          Relay server URL
       [--no-mdns]              Disable LAN multicast discovery
       [--dht]                  Enable WAN discovery over the BitTorrent DHT
       [--socket-path <path>]   Control socket path (auto-detected if empty)
       [--log-level <level>]    debug, info, warn, error (default: info)

QUERY SUBCOMMANDS (need a running daemon):
  status                        Show node status
  peers                         List live peer connections
  devices list                  List every device the mesh has seen
  devices trust <id> <level>    Set device trust (member, trusted, blocked)
  capabilities                  List local and learned capabilities
  route <intent...>             Route a natural-language intent
       [--payload <json>]       JSON payload for the capability handler

EXAMPLES:
  # First node: found the mesh and start serving
  atmos init
  atmos create-mesh --name "Home"
  atmos daemon

  # Invite another device (run on a founder)
  atmos invite --ttl 2h

  # Second device: join and start
  atmos join --invite "atmosphere://join?invite=..."
  atmos daemon

  # Route an intent from any member
  atmos route describe what is in this photo
  atmos route --payload '{"path": "/tmp/a.wav"}' transcribe this recording`)
}

// initCmd handles the "init" subcommand
func initCmd() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	name := fs.String("name", "", "Node name (default: hostname)")
	fs.Parse(os.Args[2:])

	path := filepath.Join(*stateDir, node.IdentityFileName)
	if ident, err := identity.LoadNodeIdentity(path); err == nil {
		fmt.Printf("Identity already exists at %s\n", path)
		fmt.Printf("  Node ID: %s\n", ident.NodeID())
		fmt.Printf("  Name:    %s\n", ident.Name)
		return
	}

	ident := ensureIdentity(*stateDir, *name)
	fmt.Printf("  Node ID: %s\n", ident.NodeID())
	fmt.Printf("  Name:    %s\n", ident.Name)
	fmt.Println()
	fmt.Println("Next: found a mesh with 'atmos create-mesh --name <name>'")
	fmt.Println("      or join one with 'atmos join --invite <link>'")
}

// createMeshCmd handles the "create-mesh" subcommand
func createMeshCmd() {
	fs := flag.NewFlagSet("create-mesh", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	name := fs.String("name", "", "Mesh name (required)")
	threshold := fs.Int("threshold", 1, "Founder shares required to reassemble the master key")
	shares := fs.Int("shares", 1, "Total founder shares to cut")
	caps := fs.String("capabilities", "", "Comma-separated founder capability labels")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		fmt.Fprintln(os.Stderr, "Usage: atmos create-mesh --name <name>")
		os.Exit(1)
	}

	if existing, _, err := identity.LoadMesh(*stateDir); err == nil {
		fmt.Fprintf(os.Stderr, "Already a member of mesh %s (%s)\n", existing.Name, existing.MeshID)
		fmt.Fprintf(os.Stderr, "Remove %s to start over.\n", filepath.Join(*stateDir, "mesh.json"))
		os.Exit(1)
	}

	ident := ensureIdentity(*stateDir, "")

	mesh, secrets, rest, err := identity.CreateMesh(*name, *threshold, *shares, ident, splitCSV(*caps))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create mesh: %v\n", err)
		os.Exit(1)
	}
	if err := mesh.Save(*stateDir, secrets); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save mesh: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created mesh %q\n", mesh.Name)
	fmt.Printf("  Mesh ID:   %s\n", mesh.MeshID)
	fmt.Printf("  Threshold: %d of %d shares\n", mesh.Threshold, mesh.TotalShares)
	fmt.Printf("  Founder:   %s (%s)\n", ident.Name, ident.NodeID())

	if len(rest) > 0 {
		fmt.Println()
		fmt.Println("Hand these shares to the other founders; they are not stored anywhere:")
		for _, sh := range rest {
			fmt.Printf("  share %d: %s\n", sh.Index, sh.Value)
		}
	}

	fmt.Println()
	fmt.Println("Next: start the node with 'atmos daemon'")
	fmt.Println("      then mint invites with 'atmos invite'")
}

// joinCmd handles the "join" subcommand
func joinCmd() {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	endpoint := fs.String("endpoint", "", "Founder endpoint (host:port or ws:// URL)")
	invite := fs.String("invite", "", "Invite deep link or join code")
	fs.Parse(os.Args[2:])

	if *endpoint == "" && *invite == "" {
		fmt.Fprintln(os.Stderr, "Error: --invite or --endpoint is required")
		fmt.Fprintln(os.Stderr, "Usage: atmos join --invite <link> [--endpoint host:port]")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	mesh, tok, err := node.JoinMesh(ctx, *stateDir, *endpoint, *invite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to join: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Joined mesh %q\n", mesh.Name)
	fmt.Printf("  Mesh ID:       %s\n", mesh.MeshID)
	fmt.Printf("  Node ID:       %s\n", tok.NodeID)
	fmt.Printf("  Token expires: %s\n", time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Next: start the node with 'atmos daemon'")
}

// inviteCmd handles the "invite" subcommand. It prefers a running daemon,
// which knows the node's live endpoints, and falls back to minting
// straight from the state directory.
func inviteCmd() {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	ttl := fs.Duration("ttl", node.DefaultInviteTTL, "Invite lifetime")
	subject := fs.String("node", "", "Bind the invite to this node ID (default: single-use open invite)")
	endpoints := fs.String("endpoint", "", "Comma-separated endpoints to embed (offline mode)")
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	sock := *socketPath
	if sock == "" {
		sock = rpc.GetSocketPath()
	}
	if client, err := rpc.NewClient(sock); err == nil {
		defer client.Close()
		var res rpc.InviteResult
		params := map[string]interface{}{"ttl_seconds": ttl.Seconds()}
		if *subject != "" {
			params["node_id"] = *subject
		}
		if err := client.CallInto("mesh.invite", params, &res); err != nil {
			fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
			os.Exit(1)
		}
		printInvite(res.DeepLink, res.Invite, *subject, res.Endpoints, res.ExpiresAt)
		return
	}

	inv, link, err := node.MintInviteAt(*stateDir, *subject, splitCSV(*endpoints), *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mint invite: %v\n", err)
		os.Exit(1)
	}
	code, err := inv.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode invite: %v\n", err)
		os.Exit(1)
	}
	expires := ""
	if tok, err := identity.DecodeToken(inv.Token); err == nil {
		expires = time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}
	printInvite(link, code, *subject, inv.Endpoints, expires)
}

func printInvite(link, code, subject string, endpoints []string, expires string) {
	if subject != "" {
		fmt.Printf("Minted an invite bound to node %s.\n", subject)
	} else {
		fmt.Println("Minted a single-use invite.")
	}
	if expires != "" {
		fmt.Printf("  Expires:   %s\n", expires)
	}
	if len(endpoints) > 0 {
		fmt.Printf("  Endpoints: %s\n", strings.Join(endpoints, ", "))
	} else {
		fmt.Println("  Endpoints: none embedded (joiners must pass --endpoint)")
	}
	fmt.Println()
	fmt.Println("Deep link:")
	fmt.Println()
	fmt.Println("  " + link)
	fmt.Println()
	fmt.Println("Run on the new device:")
	fmt.Printf("  atmos join --invite %q\n", code)
}

// tokenCmd handles the "token" subcommand
func tokenCmd() {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	fs.Parse(os.Args[2:])

	tok, err := node.LoadMembershipToken(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No membership token: %v\n", err)
		fmt.Fprintln(os.Stderr, "Members receive one when joining; founders hold mesh.secrets instead.")
		os.Exit(1)
	}

	fmt.Println("Membership Token")
	fmt.Println("================")
	fmt.Printf("Mesh ID: %s\n", tok.MeshID)
	fmt.Printf("Node ID: %s\n", tok.NodeID)
	fmt.Printf("Issuer:  %s\n", tok.IssuerID)
	fmt.Printf("Issued:  %s\n", time.Unix(tok.IssuedAt, 0).UTC().Format(time.RFC3339))
	fmt.Printf("Expires: %s\n", time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339))
	if len(tok.Capabilities) > 0 {
		fmt.Printf("Capabilities: %s\n", strings.Join(tok.Capabilities, ", "))
	}
}

// daemonCmd handles the "daemon" subcommand: the long-running mesh node.
func daemonCmd() {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	stateDir := fs.String("state", node.DefaultStateDir(), "State directory")
	name := fs.String("name", "", "Node name override")
	port := fs.Int("port", 0, "LAN listen port override")
	relayURL := fs.String("relay", "", "Relay server URL override")
	noMDNS := fs.Bool("no-mdns", false, "Disable LAN multicast discovery")
	dht := fs.Bool("dht", false, "Enable WAN discovery over the BitTorrent DHT")
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Parse(os.Args[2:])

	cfg, err := node.LoadConfig(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override config.json only when given on the command line.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.NodeName = *name
		case "port":
			cfg.ListenPort = *port
		case "relay":
			cfg.RelayURL = *relayURL
		case "no-mdns":
			cfg.MDNS = !*noMDNS
		case "dht":
			cfg.DHT = *dht
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	configureLogging(cfg.LogLevel)

	// Propagate the configured OTLP endpoint unless the environment
	// already names one.
	if cfg.OTLPEndpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	}
	ctx := context.Background()
	shutdown, err := otel.Init(ctx, "atmosphere-node", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init telemetry: %v\n", err)
		os.Exit(1)
	}
	defer shutdown(context.Background())

	n, err := node.NewNode(*stateDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		os.Exit(1)
	}

	sock := *socketPath
	if sock == "" {
		sock = rpc.GetSocketPath()
	}
	rpcServer, err := createRPCServer(n, sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create RPC server: %v\n", err)
	} else if err := rpcServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to start RPC server: %v\n", err)
	} else {
		defer rpcServer.Stop()
		log.Printf("[Main] control socket at %s", rpc.FormatSocketPath(sock))
	}

	if err := n.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Node failed: %v\n", err)
		os.Exit(1)
	}
}

// createRPCServer bridges the node to the control socket with callbacks,
// keeping pkg/rpc free of node types.
func createRPCServer(n *node.Node, socketPath string) (*rpc.Server, error) {
	config := rpc.ServerConfig{
		SocketPath: socketPath,
		Version:    version,
		GetStatus: func() *rpc.StatusData {
			s := n.Status()
			return &rpc.StatusData{
				NodeID:           s.NodeID,
				Name:             s.Name,
				MeshID:           s.MeshID,
				MeshName:         s.MeshName,
				Founder:          s.Founder,
				Uptime:           time.Duration(s.UptimeSec) * time.Second,
				Peers:            len(s.Peers),
				Capabilities:     s.Capabilities,
				GradientEntries:  s.GradientEntries,
				PendingRequests:  s.PendingRequests,
				KnownDevices:     s.KnownDevices,
				EmbeddingBackend: s.EmbeddingBackend,
				EmbeddingDim:     s.EmbeddingDim,
			}
		},
		GetPeers: func() []*rpc.PeerData {
			known := make(map[string]node.Device)
			for _, dev := range n.Devices() {
				known[dev.NodeID] = dev
			}
			peers := n.Peers()
			result := make([]*rpc.PeerData, 0, len(peers))
			for _, p := range peers {
				pd := &rpc.PeerData{
					NodeID:     p.NodeID,
					Name:       p.Name,
					Transports: p.Transports,
				}
				if dev, ok := known[p.NodeID]; ok {
					pd.LastSeen = dev.LastSeen
				}
				result = append(result, pd)
			}
			return result
		},
		GetDevices: func() []*rpc.DeviceData {
			devices := n.Devices()
			result := make([]*rpc.DeviceData, 0, len(devices))
			for _, dev := range devices {
				result = append(result, deviceData(dev))
			}
			return result
		},
		SetTrust: func(nodeID, level string) (*rpc.DeviceData, error) {
			dev, err := n.SetDeviceTrust(nodeID, level)
			if err != nil {
				return nil, err
			}
			return deviceData(dev), nil
		},
		GetCapabilities: func() ([]*rpc.CapabilityInfo, []*rpc.RemoteCapability) {
			local := n.LocalCapabilities()
			localOut := make([]*rpc.CapabilityInfo, 0, len(local))
			for _, c := range local {
				localOut = append(localOut, &rpc.CapabilityInfo{
					ID:          c.ID,
					Label:       c.Label,
					Description: c.Description,
					Handler:     c.Handler,
					Models:      c.Models,
				})
			}
			entries := n.GradientEntries()
			remoteOut := make([]*rpc.RemoteCapability, 0, len(entries))
			for _, e := range entries {
				remoteOut = append(remoteOut, &rpc.RemoteCapability{
					Label:      e.Label,
					NextHop:    e.NextHop,
					Via:        e.Via,
					Hops:       e.Hops,
					Confidence: e.Confidence,
				})
			}
			return localOut, remoteOut
		},
		RegisterCapability: func(ctx context.Context, label, description, handler string, models []string) (*rpc.CapabilityInfo, error) {
			c, err := n.RegisterCapability(ctx, label, description, handler, models)
			if err != nil {
				return nil, err
			}
			return &rpc.CapabilityInfo{
				ID:          c.ID,
				Label:       c.Label,
				Description: c.Description,
				Handler:     c.Handler,
				Models:      c.Models,
			}, nil
		},
		RouteIntent: func(ctx context.Context, intent string, payload map[string]interface{}) (*rpc.RouteResult, error) {
			res, err := n.RouteIntent(ctx, intent, payload)
			if err != nil {
				return nil, err
			}
			return &rpc.RouteResult{
				Action:     string(res.Action),
				Capability: res.Capability,
				Score:      res.Score,
				Hops:       res.Hops,
				Provider:   res.Provider,
				Backend:    res.Backend,
				Output:     res.Output,
			}, nil
		},
		MintInvite: func(subject string, ttl time.Duration) (*rpc.InviteResult, error) {
			inv, link, err := n.MintInvite(subject, ttl)
			if err != nil {
				return nil, err
			}
			code, err := inv.Encode()
			if err != nil {
				return nil, err
			}
			res := &rpc.InviteResult{Invite: code, DeepLink: link, Endpoints: inv.Endpoints}
			if tok, err := identity.DecodeToken(inv.Token); err == nil {
				res.ExpiresAt = time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339)
			}
			return res, nil
		},
	}

	return rpc.NewServer(config)
}

func deviceData(dev node.Device) *rpc.DeviceData {
	return &rpc.DeviceData{
		NodeID:       dev.NodeID,
		Name:         dev.Name,
		Capabilities: dev.Capabilities,
		FirstSeen:    dev.FirstSeen,
		LastSeen:     dev.LastSeen,
		Trust:        dev.Trust,
	}
}

// statusCmd handles the "status" subcommand via RPC
func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	client := connectClient(*socketPath)
	defer client.Close()

	var st rpc.StatusResult
	if err := client.CallInto("daemon.status", nil, &st); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	role := "member"
	if st.Founder {
		role = "founder"
	}
	caps := strings.Join(st.Capabilities, ", ")
	if caps == "" {
		caps = "(none)"
	}

	fmt.Println("Atmosphere Node Status")
	fmt.Println("======================")
	fmt.Printf("Node:         %s (%s)\n", st.Name, st.NodeID)
	fmt.Printf("Mesh:         %s (%s)\n", st.MeshName, st.MeshID)
	fmt.Printf("Role:         %s\n", role)
	fmt.Printf("Uptime:       %s\n", formatDuration(time.Duration(st.UptimeSec)*time.Second))
	fmt.Printf("Peers:        %d\n", st.Peers)
	fmt.Printf("Capabilities: %s\n", caps)
	fmt.Printf("Gradient:     %d remote capabilities\n", st.GradientEntries)
	fmt.Printf("Pending:      %d requests in flight\n", st.PendingRequests)
	fmt.Printf("Devices:      %d known\n", st.KnownDevices)
	fmt.Printf("Embedding:    %s (%d dims)\n", st.EmbeddingBackend, st.EmbeddingDim)
	fmt.Printf("Version:      %s\n", st.Version)
}

// peersCmd handles the "peers" subcommand via RPC
func peersCmd() {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	client := connectClient(*socketPath)
	defer client.Close()

	var res rpc.PeersListResult
	if err := client.CallInto("peers.list", nil, &res); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	if len(res.Peers) == 0 {
		fmt.Println("No connected peers")
		return
	}

	fmt.Printf("%-18s %-16s %-14s %s\n", "NODE ID", "NAME", "TRANSPORTS", "LAST SEEN")
	fmt.Println(strings.Repeat("-", 64))
	for _, p := range res.Peers {
		lastSeen := "unknown"
		if t, err := time.Parse(time.RFC3339, p.LastSeen); err == nil {
			lastSeen = formatDuration(time.Since(t)) + " ago"
		}
		fmt.Printf("%-18s %-16s %-14s %s\n",
			p.NodeID, p.Name, strings.Join(p.Transports, ","), lastSeen)
	}
}

// devicesCmd handles the "devices" subcommand via RPC
func devicesCmd() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: atmos devices <list|trust>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  list                     List every device ever seen")
		fmt.Fprintln(os.Stderr, "  trust <node-id> <level>  Set trust (member, trusted, blocked)")
		os.Exit(1)
	}

	action := os.Args[2]

	client := connectClient("")
	defer client.Close()

	switch action {
	case "list":
		handleDevicesList(client)
	case "trust":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: atmos devices trust <node-id> <member|trusted|blocked>")
			os.Exit(1)
		}
		handleDevicesTrust(client, os.Args[3], os.Args[4])
	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", action)
		fmt.Fprintln(os.Stderr, "Available actions: list, trust")
		os.Exit(1)
	}
}

func handleDevicesList(client *rpc.Client) {
	var res rpc.DevicesListResult
	if err := client.CallInto("devices.list", nil, &res); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	if len(res.Devices) == 0 {
		fmt.Println("No devices recorded yet")
		return
	}

	fmt.Printf("%-18s %-16s %-9s %-12s %s\n", "NODE ID", "NAME", "TRUST", "LAST SEEN", "CAPABILITIES")
	fmt.Println(strings.Repeat("-", 76))
	for _, d := range res.Devices {
		lastSeen := "unknown"
		if t, err := time.Parse(time.RFC3339, d.LastSeen); err == nil {
			lastSeen = formatDuration(time.Since(t)) + " ago"
		}
		fmt.Printf("%-18s %-16s %-9s %-12s %s\n",
			d.NodeID, d.Name, d.Trust, lastSeen, strings.Join(d.Capabilities, ","))
	}
}

func handleDevicesTrust(client *rpc.Client, nodeID, level string) {
	params := map[string]interface{}{"node_id": nodeID, "trust": level}
	var dev rpc.DeviceInfo
	if err := client.CallInto("devices.trust", params, &dev); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Device %s trust set to %s\n", dev.NodeID, dev.Trust)
}

// capabilitiesCmd handles the "capabilities" subcommand via RPC
func capabilitiesCmd() {
	fs := flag.NewFlagSet("capabilities", flag.ExitOnError)
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	client := connectClient(*socketPath)
	defer client.Close()

	var res rpc.CapabilitiesResult
	if err := client.CallInto("capabilities.list", nil, &res); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Local capabilities (%d):\n", len(res.Local))
	if len(res.Local) == 0 {
		fmt.Println("  (none registered)")
	}
	for _, c := range res.Local {
		line := "  " + c.Label
		if c.Description != "" {
			line += " - " + c.Description
		}
		fmt.Println(line)
		if len(c.Models) > 0 {
			fmt.Printf("      models: %s\n", strings.Join(c.Models, ", "))
		}
	}

	fmt.Println()
	fmt.Printf("Known elsewhere (%d):\n", len(res.Remote))
	if len(res.Remote) == 0 {
		fmt.Println("  (nothing learned yet)")
	}
	for _, r := range res.Remote {
		origin := ""
		if r.Via != "" && r.Via != r.NextHop {
			origin = fmt.Sprintf(", origin %s", r.Via)
		}
		fmt.Printf("  %s - %d hop(s) via %s%s (confidence %.2f)\n",
			r.Label, r.Hops, r.NextHop, origin, r.Confidence)
	}
}

// routeCmd handles the "route" subcommand via RPC
func routeCmd() {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	payloadJSON := fs.String("payload", "", "JSON payload forwarded to the capability handler")
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	intent := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if intent == "" {
		fmt.Fprintln(os.Stderr, "Error: an intent is required")
		fmt.Fprintln(os.Stderr, "Usage: atmos route [--payload <json>] <intent...>")
		os.Exit(1)
	}

	params := map[string]interface{}{"intent": intent}
	if *payloadJSON != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --payload JSON: %v\n", err)
			os.Exit(1)
		}
		params["payload"] = payload
	}

	client := connectClient(*socketPath)
	defer client.Close()

	var res rpc.RouteResult
	if err := client.CallInto("intent.route", params, &res); err != nil {
		fmt.Fprintf(os.Stderr, "Routing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Action:     %s\n", res.Action)
	fmt.Printf("Capability: %s\n", res.Capability)
	fmt.Printf("Score:      %.2f\n", res.Score)
	if res.Provider != "" {
		if res.Hops > 0 {
			fmt.Printf("Provider:   %s (%d hop(s) away)\n", res.Provider, res.Hops)
		} else {
			fmt.Printf("Provider:   %s (local)\n", res.Provider)
		}
	}
	if res.Backend != "" {
		fmt.Printf("Backend:    %s\n", res.Backend)
	}
	if len(res.Output) > 0 {
		out, err := json.MarshalIndent(res.Output, "", "  ")
		if err == nil {
			fmt.Println("Output:")
			fmt.Println(string(out))
		}
	}
}

// connectClient dials the daemon control socket or exits with a hint.
func connectClient(socketPath string) *rpc.Client {
	if socketPath == "" {
		socketPath = rpc.GetSocketPath()
	}
	client, err := rpc.NewClient(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Is the atmos daemon running?")
		fmt.Fprintln(os.Stderr, "  Start with: atmos daemon")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", socketPath)
		os.Exit(1)
	}
	return client
}

// ensureIdentity loads the node identity or generates and saves one.
func ensureIdentity(stateDir, name string) *identity.NodeIdentity {
	path := filepath.Join(stateDir, node.IdentityFileName)
	if ident, err := identity.LoadNodeIdentity(path); err == nil {
		return ident
	}
	if name == "" {
		if hn, err := os.Hostname(); err == nil {
			name = hn
		} else {
			name = "node"
		}
	}
	ident, err := identity.GenerateNodeIdentity(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate identity: %v\n", err)
		os.Exit(1)
	}
	if err := ident.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated node identity in %s\n", stateDir)
	return ident
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// configureLogging routes stdlib log.Printf output through slog so the
// daemon honors --log-level. Timestamps come from slog; the stdlib flags
// are cleared so lines are not stamped twice.
func configureLogging(level string) {
	lvl := parseLogLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0)
}

// slogWriter adapts log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	} else {
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
