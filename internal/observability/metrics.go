// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"askanna/internal/store"
)

// MeterName scopes the instruments of this module.
const MeterName = "askanna"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Counter reports the number of queued tasks.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// RegisterTaskDepth registers an observable gauge that queries the task
// queue only when scraped.
func RegisterTaskDepth(meter otelmetric.Meter, q Counter) error {
	_, err := meter.Int64ObservableGauge("askanna.tasks.depth",
		otelmetric.WithDescription("Current number of tasks in the queue"),
		otelmetric.WithInt64Callback(func(ctx context.Context, obs otelmetric.Int64Observer) error {
			count, err := q.Count(ctx)
			if err != nil {
				log.Printf("Failed to count task queue depth: %v", err)
				return nil // Don't fail the scrape on DB errors
			}
			obs.Observe(count)
			return nil
		}),
	)
	return err
}

// RunMetrics records run outcomes.
type RunMetrics struct {
	finished otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
}

// NewRunMetrics creates the run instruments on meter.
func NewRunMetrics(meter otelmetric.Meter) (*RunMetrics, error) {
	finished, err := meter.Int64Counter("askanna.runs.finished",
		otelmetric.WithDescription("Runs that reached a final status"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	duration, err := meter.Float64Histogram("askanna.run.duration",
		otelmetric.WithDescription("Run duration from start to final status"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	return &RunMetrics{finished: finished, duration: duration}, nil
}

// RunFinished counts a run by status and records its duration.
func (m *RunMetrics) RunFinished(ctx context.Context, status store.RunStatus, duration time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("status", string(status)))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}
