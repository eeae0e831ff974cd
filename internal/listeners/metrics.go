package listeners

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/telemetry"
)

const meterName = "weir.lifecycle"

// MetricsListener exports lifecycle counters through OpenTelemetry.
type MetricsListener struct {
	eventsTotal metric.Int64Counter
	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram
	records     metric.Int64Counter
	bytesMoved  metric.Int64Counter
}

// NewMetricsListener registers the lifecycle instruments on the provider's meter.
func NewMetricsListener(provider *telemetry.Provider) (*MetricsListener, error) {
	meter := provider.Meter(meterName)

	eventsTotal, err := meter.Int64Counter("weir.events.total",
		metric.WithDescription("Lifecycle events delivered to the metrics listener."))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	runsTotal, err := meter.Int64Counter("weir.runs.total",
		metric.WithDescription("Finished pipeline runs by terminal status."))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	runDuration, err := meter.Float64Histogram("weir.run.duration",
		metric.WithDescription("Wall-clock duration of finished pipeline runs."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	records, err := meter.Int64Counter("weir.records.processed",
		metric.WithDescription("Records reported by running stages."))
	if err != nil {
		return nil, fmt.Errorf("create records counter: %w", err)
	}
	bytesMoved, err := meter.Int64Counter("weir.bytes.processed",
		metric.WithDescription("Bytes reported by running stages."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("create bytes counter: %w", err)
	}

	return &MetricsListener{
		eventsTotal: eventsTotal,
		runsTotal:   runsTotal,
		runDuration: runDuration,
		records:     records,
		bytesMoved:  bytesMoved,
	}, nil
}

// OnPipelineEvent records the instruments relevant to the event kind.
func (m *MetricsListener) OnPipelineEvent(ctx context.Context, evt events.Event) error {
	kindAttr := attribute.String("kind", string(evt.EventKind()))
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr))

	switch e := evt.(type) {
	case events.PipelineFinished:
		attrs := metric.WithAttributes(
			attribute.String("pipeline", e.Pipeline),
			attribute.String("status", string(e.Status)),
		)
		m.runsTotal.Add(ctx, 1, attrs)
		m.runDuration.Record(ctx, e.Duration.Seconds(), attrs)
	case events.RecordsProgress:
		attrs := metric.WithAttributes(
			attribute.String("pipeline", e.Pipeline),
			attribute.String("stage_id", e.StageID),
		)
		m.records.Add(ctx, int64(e.Records), attrs)
		m.bytesMoved.Add(ctx, int64(e.Bytes), attrs)
	}
	return nil
}
