package router

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
	"github.com/atmosphere-mesh/atmosphere/pkg/routing"
)

const (
	// DefaultMatchThreshold is the similarity above which a local
	// capability is executed without consulting remote providers.
	DefaultMatchThreshold = 0.75

	// DefaultMinRouteThreshold is the floor below which neither local
	// execution nor forwarding is attempted.
	DefaultMinRouteThreshold = 0.50
)

// Action is the routing decision for one intent.
type Action string

const (
	ActionProcessLocal Action = "process_local"
	ActionForward      Action = "forward"
	ActionNoMatch      Action = "no_match"
)

// RouteResult reports where an intent should run and why.
type RouteResult struct {
	Action        Action      `json:"action"`
	Capability    *Capability `json:"capability,omitempty"`
	CapabilityID  string      `json:"capability_id,omitempty"`
	Score         float64     `json:"score"`
	AdjustedScore float64     `json:"adjusted_score"`
	Hops          int         `json:"hops"`
	NextHop       string      `json:"next_hop,omitempty"`
	ViaNode       string      `json:"via_node,omitempty"`
	Reason        string      `json:"reason"`
}

// CapabilityRouter matches intents against the local capability set and
// the gradient table, preferring local execution when it is good enough.
type CapabilityRouter struct {
	nodeID            string
	embedder          embedding.Embedder
	gradient          *routing.GradientTable
	local             *registry
	matchThreshold    float64
	minRouteThreshold float64
}

// RouterConfig tunes the capability router. Zero thresholds take the
// defaults.
type RouterConfig struct {
	NodeID            string
	Embedder          embedding.Embedder
	Gradient          *routing.GradientTable
	MatchThreshold    float64
	MinRouteThreshold float64
}

// NewCapabilityRouter wires the router against an embedder and a shared
// gradient table.
func NewCapabilityRouter(cfg RouterConfig) (*CapabilityRouter, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("router config missing node ID")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("router config missing embedder")
	}
	if cfg.Gradient == nil {
		return nil, fmt.Errorf("router config missing gradient table")
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.MinRouteThreshold == 0 {
		cfg.MinRouteThreshold = DefaultMinRouteThreshold
	}
	return &CapabilityRouter{
		nodeID:            cfg.NodeID,
		embedder:          cfg.Embedder,
		gradient:          cfg.Gradient,
		local:             newRegistry(cfg.NodeID),
		matchThreshold:    cfg.MatchThreshold,
		minRouteThreshold: cfg.MinRouteThreshold,
	}, nil
}

// Route embeds the intent and decides between local execution,
// forwarding toward a remote provider, and giving up.
//
// A local capability at or above the match threshold always wins.
// Otherwise the gradient table is consulted and a remote provider is
// chosen only when its hop-discounted score strictly beats the best
// local similarity. Anything weaker falls back to the strongest local
// capability above the minimum threshold.
func (cr *CapabilityRouter) Route(ctx context.Context, intent string) (*RouteResult, error) {
	if intent == "" {
		return nil, fmt.Errorf("intent must not be empty")
	}
	vec, err := cr.embedder.Embed(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to embed intent: %w", err)
	}

	localCap, localSim := cr.local.bestLocalMatch(vec)
	if localCap != nil && localSim >= cr.matchThreshold {
		res := &RouteResult{
			Action:        ActionProcessLocal,
			Capability:    localCap,
			CapabilityID:  localCap.ID,
			Score:         localSim,
			AdjustedScore: localSim,
			Reason:        "local match",
		}
		cr.recordDecision(res)
		return res, nil
	}

	remote := cr.gradient.FindBestRoute(vec, cr.minRouteThreshold)
	if remote != nil && remote.Entry.NextHop != cr.nodeID && remote.AdjustedScore > localSim {
		res := &RouteResult{
			Action:        ActionForward,
			CapabilityID:  remote.Entry.CapabilityID,
			Score:         remote.Similarity,
			AdjustedScore: remote.AdjustedScore,
			Hops:          remote.Entry.Hops,
			NextHop:       remote.Entry.NextHop,
			ViaNode:       remote.Entry.Via,
			Reason:        "remote provider stronger",
		}
		cr.recordDecision(res)
		return res, nil
	}

	if localCap != nil && localSim >= cr.minRouteThreshold {
		res := &RouteResult{
			Action:        ActionProcessLocal,
			Capability:    localCap,
			CapabilityID:  localCap.ID,
			Score:         localSim,
			AdjustedScore: localSim,
			Reason:        "local below match threshold",
		}
		cr.recordDecision(res)
		return res, nil
	}

	res := &RouteResult{
		Action: ActionNoMatch,
		Score:  localSim,
		Reason: "no capability above threshold",
	}
	if localCap == nil {
		res.Score = 0
	}
	cr.recordDecision(res)
	return res, nil
}

func (cr *CapabilityRouter) recordDecision(res *RouteResult) {
	metricRouteDecisions.Add(bgCtx, 1, metric.WithAttributes(
		attribute.String("action", string(res.Action)),
	))
	switch res.Action {
	case ActionForward:
		log.Printf("[Router] forwarding intent to %s via %s (score=%.2f adjusted=%.2f hops=%d)",
			res.CapabilityID, res.NextHop, res.Score, res.AdjustedScore, res.Hops)
	case ActionNoMatch:
		log.Printf("[Router] no capability matched (best=%.2f)", res.Score)
	}
}
