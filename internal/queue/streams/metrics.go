package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedCounter  otelmetric.Int64Counter
	consumedCounter   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("queue/streams")
	var err error
	publishedCounter, err = meter.Int64Counter(
		"bus_events_published_total",
		otelmetric.WithDescription("Envelopes appended to the run bus"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: bus_events_published_total: %v", err)
	}
	consumedCounter, err = meter.Int64Counter(
		"bus_events_consumed_total",
		otelmetric.WithDescription("Envelopes decoded from the run bus"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: bus_events_consumed_total: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedCounter == nil {
		return
	}
	publishedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func recordConsumed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedCounter == nil {
		return
	}
	consumedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}
