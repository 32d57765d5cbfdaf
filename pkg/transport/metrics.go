package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// bgCtx is used for instrument recording from paths that have no request
// context of their own.
var bgCtx = context.Background()

// Metrics instruments for the transport package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("atmosphere.transport")

	metricSends        metric.Int64Counter
	metricSendFailures metric.Int64Counter
	metricFailovers    metric.Int64Counter
	metricBroadcasts   metric.Int64Counter
	metricInbound      metric.Int64Counter
	metricProbes       metric.Int64Counter
	metricPathsUp      metric.Int64UpDownCounter
)

func init() {
	var err error

	metricSends, err = meter.Int64Counter("atmosphere.transport.sends",
		metric.WithDescription("Frames delivered to a peer on some transport"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricSendFailures, err = meter.Int64Counter("atmosphere.transport.send_failures",
		metric.WithDescription("Per-transport send errors, including ones recovered by failover"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricFailovers, err = meter.Int64Counter("atmosphere.transport.failovers",
		metric.WithDescription("Sends that succeeded on a transport other than the best route"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricBroadcasts, err = meter.Int64Counter("atmosphere.transport.broadcasts",
		metric.WithDescription("Fan-out broadcasts handed to the transports"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricInbound, err = meter.Int64Counter("atmosphere.transport.inbound",
		metric.WithDescription("Frames received from peers across all transports"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricProbes, err = meter.Int64Counter("atmosphere.transport.probes",
		metric.WithDescription("Health pings sent to live paths"),
		metric.WithUnit("{frames}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPathsUp, err = meter.Int64UpDownCounter("atmosphere.transport.paths_up",
		metric.WithDescription("Live per-transport paths to peers"),
		metric.WithUnit("{paths}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
