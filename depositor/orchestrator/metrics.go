package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/piggyvault/piggy-hub/depositor/orchestrator"

// metrics are recorded through the global meter provider
type metrics struct {
	previews   metric.Int64Counter
	executions metric.Int64Counter
	calls      metric.Int64Histogram
	duration   metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)

	previews, err := meter.Int64Counter("depositor.previews",
		metric.WithDescription("Preview runs by result"))
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter("depositor.executions",
		metric.WithDescription("Execute runs by result and failing phase"))
	if err != nil {
		return nil, err
	}
	calls, err := meter.Int64Histogram("depositor.batch.calls",
		metric.WithDescription("Calls per submitted batched operation"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("depositor.execute.duration",
		metric.WithDescription("Execute run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &metrics{previews: previews, executions: executions, calls: calls, duration: duration}, nil
}

func (m *metrics) preview(ctx context.Context, result string) {
	m.previews.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) execute(ctx context.Context, result, phase string, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("result", result), attribute.String("phase", phase))
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (m *metrics) batch(ctx context.Context, calls int) {
	m.calls.Record(ctx, int64(calls))
}
