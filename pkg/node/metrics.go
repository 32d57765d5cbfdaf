package node

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// bgCtx is used for instrument recording from loops that have no request
// context of their own.
var bgCtx = context.Background()

// Metrics instruments for the node package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("atmosphere.node")

	metricIntentsLocal     metric.Int64Counter
	metricIntentsForwarded metric.Int64Counter
	metricIntentsUnmatched metric.Int64Counter
	metricRequestsServed   metric.Int64Counter
	metricRequestsRelayed  metric.Int64Counter
	metricRequestTimeouts  metric.Int64Counter
	metricJoinsHandled     metric.Int64Counter
	metricLateReplies      metric.Int64Counter
)

func init() {
	var err error

	metricIntentsLocal, err = meter.Int64Counter("atmosphere.node.intents_local",
		metric.WithDescription("Intents executed by the local executor"),
		metric.WithUnit("{intents}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricIntentsForwarded, err = meter.Int64Counter("atmosphere.node.intents_forwarded",
		metric.WithDescription("Intents forwarded toward a remote provider"),
		metric.WithUnit("{intents}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricIntentsUnmatched, err = meter.Int64Counter("atmosphere.node.intents_unmatched",
		metric.WithDescription("Intents no capability could serve"),
		metric.WithUnit("{intents}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRequestsServed, err = meter.Int64Counter("atmosphere.node.requests_served",
		metric.WithDescription("Inbound execution requests answered by this node"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRequestsRelayed, err = meter.Int64Counter("atmosphere.node.requests_relayed",
		metric.WithDescription("Inbound route requests forwarded another hop"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRequestTimeouts, err = meter.Int64Counter("atmosphere.node.request_timeouts",
		metric.WithDescription("Forwarded requests whose response future expired"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricJoinsHandled, err = meter.Int64Counter("atmosphere.node.joins_handled",
		metric.WithDescription("Join requests admitted or refused by this founder"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricLateReplies, err = meter.Int64Counter("atmosphere.node.late_replies",
		metric.WithDescription("Responses that arrived after their future was gone"),
		metric.WithUnit("{responses}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
