// Package observability wires the ambient logging/metrics/tracing
// stack shared by every component: a logrus logger with a
// "component" field standing in for this codebase's historical
// "[component]" log-prefix convention, a small set of Prometheus
// gauges/histograms/counters for the three hot paths (ingest,
// backfill, webhook delivery), and an OpenTelemetry tracer provider
// with a StartSpan helper. The HTTP handlers and the background
// workers do not start spans.
package observability

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns the process-wide structured logger. JSON output
// unless LOG_FORMAT=text, so the ambient log stream is
// machine-parseable by default.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if os.Getenv("LOG_FORMAT") == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// Component returns a logger scoped to one subsystem, mirroring the
// "[ingest]", "[backfill]" prefix style used throughout this
// codebase's older log.Printf call sites.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

const tracerName = "telemetry-core"

// NewTracerProvider builds a minimal SDK tracer provider. In the
// absence of a configured OTLP exporter, spans are recorded but not
// exported; callers needing real export should register an exporter
// on the returned provider before calling Shutdown at process exit.
func NewTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

// Metrics bundles the Prometheus collectors exercised by the ingest,
// backfill, and webhook-delivery hot paths.
type Metrics struct {
	IngestLatency     prometheus.Histogram
	IngestAccepted    prometheus.Counter
	IngestRejected    *prometheus.CounterVec
	BackfillProgress  *prometheus.GaugeVec
	WebhookAttempts   *prometheus.CounterVec
	WebhookQueueDepth prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_ingest_latency_seconds",
			Help:    "Latency of telemetry ingest calls, accepted or rejected.",
			Buckets: prometheus.DefBuckets,
		}),
		IngestAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ingest_accepted_total",
			Help: "Count of readings accepted by the ingest service.",
		}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_ingest_rejected_total",
			Help: "Count of ingest batches rejected, by error code.",
		}, []string{"code"}),
		BackfillProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_backfill_processed_records",
			Help: "Processed record count of the most recent backfill task, by sensor.",
		}, []string{"sensor_id"}),
		WebhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_webhook_queue_depth",
			Help: "Webhook deliveries claimed by the most recent worker tick.",
		}),
	}
	reg.MustRegister(
		m.IngestLatency, m.IngestAccepted, m.IngestRejected,
		m.BackfillProgress, m.WebhookAttempts, m.WebhookQueueDepth,
	)
	return m
}
