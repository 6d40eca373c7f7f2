// Package observe provides application-wide observability: OpenTelemetry
// metrics with a Prometheus exporter bridge, and the HTTP middleware that
// records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/curalog/vocalis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
//
// Metrics implements the observer interfaces of the worker, pipeline, and
// recognizer packages, so a single instance can be attached to all three.
type Metrics struct {
	// JobDuration tracks end-to-end job processing latency. Attribute:
	//   attribute.String("outcome", "completed" | "failed:REASON")
	JobDuration metric.Float64Histogram

	// StepDuration tracks per-pipeline-step latency. Attributes:
	//   attribute.String("step", ...), attribute.String("status", "ok"|"error")
	StepDuration metric.Float64Histogram

	// RecognitionDuration tracks recogniser call latency. Attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	RecognitionDuration metric.Float64Histogram

	// RecognitionErrors counts failed recogniser calls by error kind.
	RecognitionErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// jobBuckets covers seconds-to-minutes batch transcription latencies.
var jobBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// stepBuckets covers sub-second deterministic steps up to multi-second LLM
// polish calls.
var stepBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("vocalis.job.duration",
		metric.WithDescription("End-to-end job processing latency by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StepDuration, err = m.Float64Histogram("vocalis.pipeline.step.duration",
		metric.WithDescription("Post-processing step latency by step and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("vocalis.recognition.duration",
		metric.WithDescription("Recogniser call latency by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("vocalis.recognition.errors",
		metric.WithDescription("Failed recogniser calls by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveJob records one finished job. Satisfies worker.Observer.
func (m *Metrics) ObserveJob(outcome string, d time.Duration) {
	m.JobDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveStep records one pipeline step run. Satisfies pipeline.StepObserver.
func (m *Metrics) ObserveStep(step string, d time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.StepDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("status", status),
		))
}

// ObserveRecognition records one recogniser attempt. errKind is empty on
// success. Satisfies recognizer.Observer.
func (m *Metrics) ObserveRecognition(provider string, d time.Duration, errKind string) {
	status := "ok"
	if errKind != "" {
		status = errKind
		m.RecognitionErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", errKind),
			))
	}
	m.RecognitionDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		))
}

// QueueDepths reports the instantaneous pending and in-flight queue sizes.
// Implemented by queue.Queue via Depth.
type QueueDepths func(ctx context.Context) (pending, active int64, err error)

// JobCounts reports the number of jobs per lifecycle status. Implemented by
// store.JobStore via CountByStatus.
type JobCounts func(ctx context.Context) (map[string]int64, error)

// RegisterGauges wires observable gauges for queue depth and job counts. The
// callbacks run on every metrics collection (i.e. every Prometheus scrape).
func RegisterGauges(mp metric.MeterProvider, depths QueueDepths, counts JobCounts) error {
	m := mp.Meter(meterName)

	queueDepth, err := m.Int64ObservableGauge("vocalis.queue.depth",
		metric.WithDescription("Queue entries by state (pending, active)."))
	if err != nil {
		return err
	}
	jobsByStatus, err := m.Int64ObservableGauge("vocalis.jobs.by_status",
		metric.WithDescription("Jobs per lifecycle status."))
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if depths != nil {
			pending, active, err := depths(ctx)
			if err == nil {
				o.ObserveInt64(queueDepth, pending,
					metric.WithAttributes(attribute.String("state", "pending")))
				o.ObserveInt64(queueDepth, active,
					metric.WithAttributes(attribute.String("state", "active")))
			}
		}
		if counts != nil {
			byStatus, err := counts(ctx)
			if err == nil {
				for status, n := range byStatus {
					o.ObserveInt64(jobsByStatus, n,
						metric.WithAttributes(attribute.String("status", status)))
				}
			}
		}
		return nil
	}, queueDepth, jobsByStatus)
	return err
}
