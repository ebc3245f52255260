package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelExporter provides OpenTelemetry metrics export following OTel standards
type OTelExporter struct {
	meterProvider *sdkmetric.MeterProvider
	collector     Collector

	// OTel meters and instruments
	meter           metric.Meter
	retryDepthGauge metric.Int64ObservableGauge
	statusGauge     metric.Int64ObservableGauge
	deadLetterGauge metric.Int64ObservableGauge
	throughputGauge metric.Int64ObservableGauge
}

// NewOTelExporter creates a new OpenTelemetry metrics exporter with Prometheus format
func NewOTelExporter(collector Collector) (*OTelExporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		"hookgate",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	oe := &OTelExporter{
		meterProvider: meterProvider,
		collector:     collector,
		meter:         meter,
	}

	if err := oe.registerInstruments(); err != nil {
		return nil, fmt.Errorf("registering instruments: %w", err)
	}

	return oe, nil
}

// registerInstruments creates and registers all OpenTelemetry metric instruments
func (oe *OTelExporter) registerInstruments() error {
	var err error

	// Retry queue depth gauge (per priority)
	oe.retryDepthGauge, err = oe.meter.Int64ObservableGauge(
		"hookgate.retry.depth",
		metric.WithDescription("Number of pending retries in the queue per priority"),
		metric.WithUnit("{events}"),
		metric.WithInt64Callback(oe.observeRetryDepths),
	)
	if err != nil {
		return fmt.Errorf("creating retry depth gauge: %w", err)
	}

	// Status count gauge (per status)
	oe.statusGauge, err = oe.meter.Int64ObservableGauge(
		"hookgate.event.status.count",
		metric.WithDescription("Number of events by status"),
		metric.WithUnit("{events}"),
		metric.WithInt64Callback(oe.observeStatusCounts),
	)
	if err != nil {
		return fmt.Errorf("creating status count gauge: %w", err)
	}

	// Dead letter store size gauge
	oe.deadLetterGauge, err = oe.meter.Int64ObservableGauge(
		"hookgate.deadletter.count",
		metric.WithDescription("Number of events in the dead letter store"),
		metric.WithUnit("{events}"),
		metric.WithInt64Callback(oe.observeDeadLetterCount),
	)
	if err != nil {
		return fmt.Errorf("creating dead letter gauge: %w", err)
	}

	// Throughput gauge (completed events over time windows)
	oe.throughputGauge, err = oe.meter.Int64ObservableGauge(
		"hookgate.throughput",
		metric.WithDescription("Number of events completed over time window"),
		metric.WithUnit("{events}"),
		metric.WithInt64Callback(oe.observeThroughput),
	)
	if err != nil {
		return fmt.Errorf("creating throughput gauge: %w", err)
	}

	return nil
}

// observeRetryDepths is a callback that reports retry queue depths
func (oe *OTelExporter) observeRetryDepths(ctx context.Context, observer metric.Int64Observer) error {
	depths, err := oe.collector.GetRetryDepths(ctx)
	if err != nil {
		return err
	}

	for priority, depth := range depths {
		observer.Observe(depth, metric.WithAttributes(
			attribute.String("event.priority", priority),
		))
	}

	return nil
}

// observeStatusCounts is a callback that reports event counts by status
func (oe *OTelExporter) observeStatusCounts(ctx context.Context, observer metric.Int64Observer) error {
	statusCounts, err := oe.collector.GetStatusCounts(ctx)
	if err != nil {
		return err
	}

	for status, count := range statusCounts {
		observer.Observe(count, metric.WithAttributes(
			attribute.String("event.status", status),
		))
	}

	return nil
}

// observeDeadLetterCount is a callback that reports the dead letter store size
func (oe *OTelExporter) observeDeadLetterCount(ctx context.Context, observer metric.Int64Observer) error {
	count, err := oe.collector.GetDeadLetterCount(ctx)
	if err != nil {
		return err
	}

	observer.Observe(count)
	return nil
}

// observeThroughput is a callback that reports throughput metrics
func (oe *OTelExporter) observeThroughput(ctx context.Context, observer metric.Int64Observer) error {
	throughput, err := oe.collector.GetThroughput(ctx)
	if err != nil {
		return err
	}

	observer.Observe(throughput.LastMinute, metric.WithAttributes(
		attribute.String("time.window", "1m"),
	))
	observer.Observe(throughput.LastFiveMinutes, metric.WithAttributes(
		attribute.String("time.window", "5m"),
	))
	observer.Observe(throughput.LastFifteenMinutes, metric.WithAttributes(
		attribute.String("time.window", "15m"),
	))

	return nil
}

// ServeHTTP serves Prometheus-formatted metrics on the given HTTP handler
func (oe *OTelExporter) ServeHTTP() http.Handler {
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the meter provider
func (oe *OTelExporter) Shutdown(ctx context.Context) error {
	if oe.meterProvider != nil {
		return oe.meterProvider.Shutdown(ctx)
	}
	return nil
}
