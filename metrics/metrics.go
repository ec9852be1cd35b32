// Package metrics records workflow and webhook delivery instruments using
// the OpenTelemetry metric API.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name instruments are created under.
const InstrumentationName = "github.com/assetra/automation"

// Webhook delivery outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
)

var durationBuckets = []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the automation pipeline instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	workflowExecutions metric.Int64Counter
	workflowDuration   metric.Float64Histogram
	webhookDeliveries  metric.Int64Counter
	webhookDuration    metric.Float64Histogram
	webhookDeadLetters metric.Int64Counter
}

type config struct {
	provider metric.MeterProvider
}

// Option configures Metrics.
type Option func(*config)

// WithMeterProvider sets the meter provider.
// The global otel meter provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.provider = mp
	}
}

// New creates the instruments.
func New(opts ...Option) (*Metrics, error) {
	cfg := new(config)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetMeterProvider()
	}
	meter := cfg.provider.Meter(InstrumentationName)

	m := new(Metrics)
	var err error
	if m.workflowExecutions, err = meter.Int64Counter(
		"assetra.workflow.executions",
		metric.WithDescription("Total workflow executions"),
	); err != nil {
		return nil, fmt.Errorf("workflow executions counter: %w", err)
	}
	if m.workflowDuration, err = meter.Float64Histogram(
		"assetra.workflow.execution.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("workflow duration histogram: %w", err)
	}
	if m.webhookDeliveries, err = meter.Int64Counter(
		"assetra.webhook.deliveries",
		metric.WithDescription("Total webhook delivery attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("webhook deliveries counter: %w", err)
	}
	if m.webhookDuration, err = meter.Float64Histogram(
		"assetra.webhook.delivery.duration",
		metric.WithDescription("Webhook delivery attempt duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("webhook duration histogram: %w", err)
	}
	if m.webhookDeadLetters, err = meter.Int64Counter(
		"assetra.webhook.dead_letters",
		metric.WithDescription("Total dead-lettered webhooks"),
	); err != nil {
		return nil, fmt.Errorf("webhook dead letters counter: %w", err)
	}
	return m, nil
}

// WorkflowExecuted records one finished workflow run.
func (m *Metrics) WorkflowExecuted(ctx context.Context, workflowName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.workflowExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_name", workflowName),
		attribute.String("status", status),
	))
	m.workflowDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("workflow_name", workflowName),
	))
}

// WebhookAttempted records one webhook delivery attempt and its outcome.
func (m *Metrics) WebhookAttempted(ctx context.Context, endpointID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	endpoint := attribute.String("endpoint_id", endpointID)
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(endpoint, attribute.String("status", outcome)))
	m.webhookDuration.Record(ctx, d.Seconds(), metric.WithAttributes(endpoint))
	if outcome == OutcomeDeadLetter {
		m.webhookDeadLetters.Add(ctx, 1, metric.WithAttributes(endpoint))
	}
}
