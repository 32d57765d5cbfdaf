package node

import (
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/transport"
)

func TestPendingResolveOnce(t *testing.T) {
	p := newPendingTable()
	ch := p.create("req-1")

	env := &transport.Envelope{Type: transport.EnvRouteResponse, RequestID: "req-1"}
	if !p.resolve("req-1", env) {
		t.Fatal("resolve failed for a live future")
	}
	select {
	case got := <-ch:
		if got.RequestID != "req-1" {
			t.Errorf("future got %+v", got)
		}
	default:
		t.Fatal("future channel empty after resolve")
	}

	// Second reply has nowhere to go.
	if p.resolve("req-1", env) {
		t.Error("duplicate resolve succeeded")
	}
	if p.len() != 0 {
		t.Errorf("table size %d after resolve", p.len())
	}
}

func TestPendingDropDiscardsLateReply(t *testing.T) {
	p := newPendingTable()
	p.create("req-2")
	p.drop("req-2")
	if p.resolve("req-2", &transport.Envelope{RequestID: "req-2"}) {
		t.Error("resolve succeeded after drop")
	}
}

func TestRelayTableRetracesOnce(t *testing.T) {
	r := newRelayTable()
	r.put("req-3", "aaaaaaaaaaaaaaaa", time.Minute)

	peer, ok := r.take("req-3")
	if !ok || peer != "aaaaaaaaaaaaaaaa" {
		t.Fatalf("take = %q, %v", peer, ok)
	}
	if _, ok := r.take("req-3"); ok {
		t.Error("second take succeeded")
	}
}

func TestRelayTableExpiry(t *testing.T) {
	r := newRelayTable()
	r.put("req-4", "aaaaaaaaaaaaaaaa", -time.Second)
	if _, ok := r.take("req-4"); ok {
		t.Error("expired entry returned")
	}

	r.put("req-5", "bbbbbbbbbbbbbbbb", -time.Second)
	r.put("req-6", "bbbbbbbbbbbbbbbb", time.Minute)
	if removed := r.sweep(); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if r.len() != 1 {
		t.Errorf("table size %d after sweep", r.len())
	}
}
