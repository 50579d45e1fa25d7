package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, jobs and stages take
// - Traffic: Request, job and event throughput
// - Errors: Rate of failures
// - Saturation: Active jobs, queued events, connected observers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	StageDuration  metric.Float64Histogram
	ChatTurns      metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge

	// Hub metrics
	HubObservers metric.Int64UpDownCounter
	HubPruned    metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("research")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobDuration = b.histogram("job_duration_seconds", "Pipeline duration from start to publication of personas or failure",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600)
	m.JobsTotal = b.counter("jobs_total", "Total number of jobs created")
	m.JobErrorsTotal = b.counter("job_errors_total", "Total number of failed jobs")
	m.JobsActive = b.upDown("jobs_active", "Number of pipelines currently running (saturation)")
	m.StageDuration = b.histogram("stage_duration_seconds", "Stage function latency in seconds",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600)
	m.ChatTurns = b.counter("chat_turns_total", "Total number of persona chat replies attempted")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Time to broadcast one event to all observers",
		0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events handed to the hub")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full)")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queues (saturation)")

	m.HubObservers = b.upDown("hub_observers", "Number of connected observers")
	m.HubPruned = b.counter("hub_pruned_total", "Total observers dropped after a failed send")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being accepted.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
}

// RecordJobStarted records a pipeline starting.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a pipeline ending in phase.
func (m *Metrics) RecordJobFinished(ctx context.Context, phase string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(phaseAttr(phase), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStage records one stage function call.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), successAttr(success)))
}

// RecordChatTurn records a persona reply attempt.
func (m *Metrics) RecordChatTurn(ctx context.Context, success bool) {
	m.ChatTurns.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordDispatcherDelivered records one broadcast and how many observers got it.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64, observers int) {
	m.DispatcherDelivered.Add(ctx, 1, metric.WithAttributes(observedAttr(observers > 0)))
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordObserverAdded records an observer subscribing.
func (m *Metrics) RecordObserverAdded(ctx context.Context) {
	m.HubObservers.Add(ctx, 1)
}

// RecordObserverRemoved records an observer unsubscribing.
func (m *Metrics) RecordObserverRemoved(ctx context.Context) {
	m.HubObservers.Add(ctx, -1)
}

// RecordObserverPruned records an observer dropped after a failed send.
func (m *Metrics) RecordObserverPruned(ctx context.Context) {
	m.HubObservers.Add(ctx, -1)
	m.HubPruned.Add(ctx, 1)
}
