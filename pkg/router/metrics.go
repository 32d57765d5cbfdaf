package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var bgCtx = context.Background()

var meter = otel.Meter("atmosphere.router")

var (
	metricRouteDecisions metric.Int64Counter
	metricProjectRoutes  metric.Int64Counter
	metricTriggersFired  metric.Int64Counter
	metricTriggersDrop   metric.Int64Counter
)

func init() {
	var err error
	metricRouteDecisions, err = meter.Int64Counter("atmosphere.router.decisions",
		metric.WithDescription("Routing decisions by action"),
		metric.WithUnit("{decision}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricProjectRoutes, err = meter.Int64Counter("atmosphere.router.project_routes",
		metric.WithDescription("Project router selections by path kind"),
		metric.WithUnit("{route}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricTriggersFired, err = meter.Int64Counter("atmosphere.router.triggers_fired",
		metric.WithDescription("Trigger intents dispatched to handlers"),
		metric.WithUnit("{trigger}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricTriggersDrop, err = meter.Int64Counter("atmosphere.router.triggers_throttled",
		metric.WithDescription("Trigger intents dropped by throttle"),
		metric.WithUnit("{trigger}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
