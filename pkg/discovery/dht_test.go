package discovery

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestDiscovery(t *testing.T) *DHTDiscovery {
	t.Helper()
	d, err := NewDHTDiscovery(Config{
		MeshID:        "1234567890abcdef",
		MeshPublicKey: "pub",
		ListenPort:    11451,
		StateDir:      t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewDHTDiscovery: %v", err)
	}
	return d
}

func TestNewDHTDiscoveryDefaults(t *testing.T) {
	t.Parallel()
	d := newTestDiscovery(t)
	if d.cfg.AnnounceInterval != DefaultAnnounceInterval {
		t.Errorf("announce interval %s", d.cfg.AnnounceInterval)
	}
	if d.cfg.QueryInterval != DefaultQueryInterval {
		t.Errorf("query interval %s", d.cfg.QueryInterval)
	}
	if len(d.cfg.BootstrapNodes) != len(DefaultBootstrapNodes) {
		t.Errorf("bootstrap nodes %v", d.cfg.BootstrapNodes)
	}
	want, _ := DeriveDHTInfohash("1234567890abcdef", "pub")
	if d.Infohash() != want {
		t.Error("infohash does not match the derivation")
	}
	if d.Port() != 0 {
		t.Errorf("port %d before Start, want 0", d.Port())
	}

	if _, err := NewDHTDiscovery(Config{}); err == nil {
		t.Error("config without mesh ID accepted")
	}
}

func TestContactFiltersAndDedups(t *testing.T) {
	t.Parallel()
	d := newTestDiscovery(t)
	var mu sync.Mutex
	var seen []string
	d.cfg.OnPeerAddr = func(addr string) {
		mu.Lock()
		seen = append(seen, addr)
		mu.Unlock()
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"203.0.113.7:11451", true},
		{"203.0.113.7:11451", false}, // duplicate inside window
		{"203.0.113.8:0", false},     // no port
		{"0.0.0.0:11451", false},     // unspecified
		{"not-an-addr", false},
		{"[2001:db8::1]:11451", true},
	}
	for _, tc := range cases {
		if got := d.contact(tc.addr); got != tc.want {
			t.Errorf("contact(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("callback fired %d times: %v", len(seen), seen)
	}
}

func TestMarkContactedWindow(t *testing.T) {
	t.Parallel()
	d := newTestDiscovery(t)
	if !d.markContacted("198.51.100.1:1000") {
		t.Fatal("fresh address rejected")
	}
	if d.markContacted("198.51.100.1:1000") {
		t.Fatal("address re-admitted inside the dedup window")
	}
	// Age the entry past the sweep horizon; the next mark sweeps it and
	// admits the address again.
	d.mu.Lock()
	d.contacted["198.51.100.1:1000"] = time.Now().Add(-11 * contactDedupTTL)
	d.mu.Unlock()
	if !d.markContacted("198.51.100.1:1000") {
		t.Error("address still blocked after the window")
	}
	if d.contactedCount() != 1 {
		t.Errorf("contacted table %d entries, want the swept table to hold 1", d.contactedCount())
	}
}

func TestNodesFilePathPerMesh(t *testing.T) {
	t.Parallel()
	a := newTestDiscovery(t)
	b, err := NewDHTDiscovery(Config{MeshID: "fedcba0987654321", StateDir: a.cfg.StateDir})
	if err != nil {
		t.Fatalf("NewDHTDiscovery: %v", err)
	}
	pa, pb := a.nodesFilePath(), b.nodesFilePath()
	if pa == pb {
		t.Error("different meshes share a node table file")
	}
	if !strings.HasPrefix(pa, a.cfg.StateDir) || !strings.HasSuffix(pa, ".nodes") {
		t.Errorf("nodes file path %q", pa)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	d := newTestDiscovery(t)
	if err := d.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
