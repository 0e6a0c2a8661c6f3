// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics records the bridge's instrumentation through the
// OpenTelemetry metrics API, exported in Prometheus exposition format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics collects Prometheus-compatible metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider

	// Counters
	eventsTotal     metric.Int64Counter
	callbackRetries metric.Int64Counter
	lockAcquires    metric.Int64Counter
	syncRuns        metric.Int64Counter
	syncObjects     metric.Int64Counter

	// Histograms
	toolDuration metric.Float64Histogram

	// Up/down counters
	activeStreams metric.Int64UpDownCounter
}

// New creates a metrics bundle: an OTel meter provider reading into a
// private Prometheus registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := mp.Meter("workbridge")

	m := &Metrics{
		registry: registry,
		mp:       mp,
	}

	m.eventsTotal, err = meter.Int64Counter(
		"workbridge_events_dispatched_total",
		metric.WithDescription("Tool-call events dispatched, by tool and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.callbackRetries, err = meter.Int64Counter(
		"workbridge_callback_retries_total",
		metric.WithDescription("Callback delivery retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.lockAcquires, err = meter.Int64Counter(
		"workbridge_lock_acquires_total",
		metric.WithDescription("Consumer lock acquisition attempts, by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.syncRuns, err = meter.Int64Counter(
		"workbridge_sync_runs_total",
		metric.WithDescription("Completed sync runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.syncObjects, err = meter.Int64Counter(
		"workbridge_sync_objects_total",
		metric.WithDescription("Objects moved by the sync engine, by direction"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, err
	}

	m.toolDuration, err = meter.Float64Histogram(
		"workbridge_tool_duration_seconds",
		metric.WithDescription("Tool handler latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.activeStreams, err = meter.Int64UpDownCounter(
		"workbridge_active_streams",
		metric.WithDescription("Streams currently open"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the registry in Prometheus exposition format.
// The OTel SDK pushes collected metrics into the registry via the
// Prometheus exporter, so promhttp exposes them.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.mp.Shutdown(ctx)
}

// RecordDispatch records one dispatched event and its tool latency.
func (m *Metrics) RecordDispatch(tool, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.eventsTotal.Add(context.Background(), 1, attrs)
	m.toolDuration.Record(context.Background(), seconds,
		metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordCallbackRetry counts one callback delivery retry.
func (m *Metrics) RecordCallbackRetry() {
	m.callbackRetries.Add(context.Background(), 1)
}

// RecordLockAcquire counts one acquisition attempt by outcome.
func (m *Metrics) RecordLockAcquire(outcome string) {
	m.lockAcquires.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StreamOpened increments the open-stream count.
func (m *Metrics) StreamOpened() {
	m.activeStreams.Add(context.Background(), 1)
}

// StreamClosed decrements the open-stream count.
func (m *Metrics) StreamClosed() {
	m.activeStreams.Add(context.Background(), -1)
}

// ObserveSync records one sync run's stats.
func (m *Metrics) ObserveSync(downloaded, uploaded, conflicts int) {
	ctx := context.Background()
	m.syncRuns.Add(ctx, 1)
	m.syncObjects.Add(ctx, int64(downloaded),
		metric.WithAttributes(attribute.String("direction", "download")))
	m.syncObjects.Add(ctx, int64(uploaded),
		metric.WithAttributes(attribute.String("direction", "upload")))
	m.syncObjects.Add(ctx, int64(conflicts),
		metric.WithAttributes(attribute.String("direction", "conflict")))
}
