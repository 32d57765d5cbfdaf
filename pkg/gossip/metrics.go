package gossip

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// bgCtx is used for instrument recording from loops that have no request
// context of their own.
var bgCtx = context.Background()

// Metrics instruments for the gossip package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("atmosphere.gossip")

	metricAnnouncesSent metric.Int64Counter
	metricAnnouncesRecv metric.Int64Counter
	metricForwards      metric.Int64Counter
	metricRejects       metric.Int64Counter
	metricGradientSize  metric.Int64UpDownCounter
	metricRoutesLearned metric.Int64Counter
)

func init() {
	var err error

	metricAnnouncesSent, err = meter.Int64Counter("atmosphere.gossip.announces_sent",
		metric.WithDescription("Announcements built and broadcast by this node"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricAnnouncesRecv, err = meter.Int64Counter("atmosphere.gossip.announces_received",
		metric.WithDescription("Valid announcements accepted from peers"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricForwards, err = meter.Int64Counter("atmosphere.gossip.forwards",
		metric.WithDescription("Envelopes re-broadcast with decremented TTL"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRejects, err = meter.Int64Counter("atmosphere.gossip.rejects",
		metric.WithDescription("Envelopes dropped for replay, skew, or malformed content"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricGradientSize, err = meter.Int64UpDownCounter("atmosphere.gossip.gradient_entries",
		metric.WithDescription("Net change in gradient table entries from gossip"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRoutesLearned, err = meter.Int64Counter("atmosphere.gossip.routes_learned",
		metric.WithDescription("Routing table updates taught by announcements"),
		metric.WithUnit("{routes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
