// internal/analytics/metered.go
package analytics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metered counts records by type and outcome before passing them on.
type Metered struct {
	next    Collector
	counter metric.Int64Counter
}

func NewMetered(meter metric.Meter, next Collector) (*Metered, error) {
	counter, err := meter.Int64Counter("circulation.events",
		metric.WithDescription("Circulation events observed, by type and whether they changed local counters"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create circulation.events counter: %w", err)
	}
	return &Metered{next: next, counter: counter}, nil
}

func (m *Metered) Collect(ctx context.Context, r Record) error {
	outcome := "applied"
	if !r.Applied {
		outcome = "ignored"
	}
	m.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", r.Type),
		attribute.String("outcome", outcome),
	))
	return m.next.Collect(ctx, r)
}
