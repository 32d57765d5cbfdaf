package routing

import (
	"fmt"
	"testing"
	"time"
)

// unit returns a d=4 unit vector with a single hot dimension.
func unit(dim int) []float32 {
	v := make([]float32, 4)
	v[dim] = 1
	return v
}

func TestGradientUpdateOrdering(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name             string
		h1, h2           int
		via1, via2       string
		wantSecond       bool
		wantTimestampAdv bool
	}{
		{"fewer hops wins", 3, 1, "p1", "p2", true, false},
		{"more hops loses", 1, 3, "p1", "p2", false, false},
		{"same route refreshes", 2, 2, "p1", "p1", false, true},
		{"same hops different hop loses", 2, 2, "p1", "p2", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGradientTable(0, 0)
			if !g.Update("n1:cap", "cap", unit(0), tc.h1, tc.via1, "n1", 10) {
				t.Fatal("first update rejected")
			}
			before, _ := g.Get("n1:cap")
			time.Sleep(2 * time.Millisecond)

			changed := g.Update("n1:cap", "cap", unit(0), tc.h2, tc.via2, "n1", 10)
			after, ok := g.Get("n1:cap")
			if !ok {
				t.Fatal("entry vanished")
			}

			if tc.wantSecond {
				if !changed || after.Hops != tc.h2 || after.NextHop != tc.via2 {
					t.Errorf("second route not adopted: changed=%v entry=%+v", changed, after)
				}
				return
			}
			if after.Hops != tc.h1 || after.NextHop != tc.via1 {
				t.Errorf("first route lost: %+v", after)
			}
			if tc.wantTimestampAdv {
				if !changed {
					t.Error("refresh did not report a change")
				}
				if !after.LastUpdated.After(before.LastUpdated) {
					t.Error("timestamp did not advance on refresh")
				}
			} else if changed {
				t.Error("losing update reported a change")
			}
		})
	}
}

func TestGradientConfidence(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	g.Update("n1:a", "a", unit(0), 0, "n1", "n1", 0)
	g.Update("n2:b", "b", unit(1), 2, "p", "n2", 0)
	a, _ := g.Get("n1:a")
	b, _ := g.Get("n2:b")
	if a.Confidence != 1 {
		t.Errorf("hops=0 confidence %v, want 1", a.Confidence)
	}
	want := 0.95 * 0.95
	if diff := b.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("hops=2 confidence %v, want %v", b.Confidence, want)
	}
}

func TestInvalidateNodeExactness(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	g.Update("n1:a", "a", unit(0), 1, "peerX", "n1", 0)
	g.Update("n2:b", "b", unit(1), 1, "peerY", "n2", 0)
	g.Update("n3:c", "c", unit(2), 2, "peerX", "n3", 0)

	if removed := g.InvalidateNode("peerX"); removed != 2 {
		t.Errorf("invalidated %d entries, want 2", removed)
	}
	if _, ok := g.Get("n1:a"); ok {
		t.Error("route via peerX survived")
	}
	if _, ok := g.Get("n3:c"); ok {
		t.Error("route via peerX survived")
	}
	if _, ok := g.Get("n2:b"); !ok {
		t.Error("route via peerY was dropped")
	}
}

func TestFindBestRouteMatrixFreshness(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	g.Update("n1:vision", "vision", unit(0), 1, "p1", "n1", 0)

	m := g.FindBestRoute(unit(0), 0.5)
	if m == nil || m.Entry.CapabilityID != "n1:vision" {
		t.Fatalf("expected n1:vision, got %+v", m)
	}

	// Mutate and immediately re-query: the index must reflect the change.
	g.Remove("n1:vision")
	g.Update("n2:audio", "audio", unit(1), 1, "p2", "n2", 0)

	if m := g.FindBestRoute(unit(0), 0.5); m != nil {
		t.Errorf("removed entry still matched: %+v", m)
	}
	m = g.FindBestRoute(unit(1), 0.5)
	if m == nil || m.Entry.CapabilityID != "n2:audio" {
		t.Errorf("new entry not indexed: %+v", m)
	}
}

func TestFindBestRouteHopPenaltyAndThreshold(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	// Same vector at different distances: the near one must win.
	g.Update("far:cap", "cap", unit(0), 5, "pFar", "far", 0)
	g.Update("near:cap", "cap", unit(0), 1, "pNear", "near", 0)

	m := g.FindBestRoute(unit(0), 0.5)
	if m == nil || m.Entry.NextHop != "pNear" {
		t.Fatalf("hop penalty not applied: %+v", m)
	}
	if m.AdjustedScore >= m.Similarity {
		t.Errorf("adjusted %v not below raw %v", m.AdjustedScore, m.Similarity)
	}

	// minScore filters: 0.95^5 ~= 0.77, so 0.9 excludes everything at 5 hops.
	g2 := NewGradientTable(0, 0)
	g2.Update("far:cap", "cap", unit(0), 5, "pFar", "far", 0)
	if m := g2.FindBestRoute(unit(0), 0.9); m != nil {
		t.Errorf("entry below minScore matched: %+v", m)
	}
}

func TestFindBestRouteDeterministicTieBreak(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	// Identical vector, hops, confidence; only the capability ID differs.
	g.Update("bbbb:cap", "cap", unit(0), 1, "pB", "bbbb", 0)
	g.Update("aaaa:cap", "cap", unit(0), 1, "pA", "aaaa", 0)
	for i := 0; i < 5; i++ {
		m := g.FindBestRoute(unit(0), 0.1)
		if m == nil || m.Entry.CapabilityID != "aaaa:cap" {
			t.Fatalf("tie-break not deterministic: %+v", m)
		}
	}
}

func TestGradientEvictionPicksWorst(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(3, 0)
	// Oldest far route has the worst confidence/(1+age) score.
	g.Update("n1:a", "a", unit(0), 9, "p", "n1", 0)
	g.Update("n2:b", "b", unit(1), 0, "p", "n2", 0)
	g.Update("n3:c", "c", unit(2), 0, "p", "n3", 0)
	g.Update("n4:d", "d", unit(3), 1, "p", "n4", 0)

	if g.Len() != 3 {
		t.Fatalf("table size %d, want 3", g.Len())
	}
	if _, ok := g.Get("n1:a"); ok {
		t.Error("lowest-confidence entry survived eviction")
	}
	if _, ok := g.Get("n4:d"); !ok {
		t.Error("new entry missing after eviction")
	}
}

func TestGradientPruneExpired(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 50*time.Millisecond)
	g.Update("n1:a", "a", unit(0), 1, "p", "n1", 0)
	time.Sleep(80 * time.Millisecond)
	g.Update("n2:b", "b", unit(1), 1, "p", "n2", 0)

	if removed := g.PruneExpired(); removed != 1 {
		t.Errorf("pruned %d, want 1", removed)
	}
	if _, ok := g.Get("n2:b"); !ok {
		t.Error("fresh entry pruned")
	}
	// Expired entries also never match queries.
	if m := g.FindBestRoute(unit(0), 0.1); m != nil {
		t.Errorf("expired entry matched: %+v", m)
	}
}

func TestExportForGossipHopCap(t *testing.T) {
	t.Parallel()
	g := NewGradientTable(0, 0)
	for h := 0; h <= 8; h++ {
		g.Update(fmt.Sprintf("n%d:c%d", h, h), "c", unit(h%4), h, "p", "n", 0)
	}
	exported := g.ExportForGossip(DefaultExportHops)
	for _, e := range exported {
		if e.Hops > DefaultExportHops {
			t.Errorf("exported entry at %d hops, cap is %d", e.Hops, DefaultExportHops)
		}
	}
	if len(exported) != DefaultExportHops+1 {
		t.Errorf("exported %d entries, want %d", len(exported), DefaultExportHops+1)
	}
}
