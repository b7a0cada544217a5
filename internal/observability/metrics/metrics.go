package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	eventAppends        metric.Int64Counter
	appendConflicts     metric.Int64Counter
	outboxPublished     metric.Int64Counter
	outboxPublishFailed metric.Int64Counter
	providerCalls       metric.Int64Counter
	circuitOpens        metric.Int64Counter
	reservationFailed   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
	if cfg.ExporterEndpoint != "" {
		opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint))
	}
	exporter, err := otlpmetricgrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized", zap.String("endpoint", cfg.ExporterEndpoint))
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "taskledger"
	}
	meter := provider.Meter(name)

	eventAppends, err := meter.Int64Counter("taskledger_event_appends_total")
	if err != nil {
		return nil, err
	}
	appendConflicts, err := meter.Int64Counter("taskledger_append_conflicts_total")
	if err != nil {
		return nil, err
	}
	outboxPublished, err := meter.Int64Counter("taskledger_outbox_published_total")
	if err != nil {
		return nil, err
	}
	outboxPublishFailed, err := meter.Int64Counter("taskledger_outbox_publish_failures_total")
	if err != nil {
		return nil, err
	}
	providerCalls, err := meter.Int64Counter("taskledger_provider_calls_total")
	if err != nil {
		return nil, err
	}
	circuitOpens, err := meter.Int64Counter("taskledger_circuit_opens_total")
	if err != nil {
		return nil, err
	}
	reservationFailed, err := meter.Int64Counter("taskledger_reservation_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventAppends:        eventAppends,
		appendConflicts:     appendConflicts,
		outboxPublished:     outboxPublished,
		outboxPublishFailed: outboxPublishFailed,
		providerCalls:       providerCalls,
		circuitOpens:        circuitOpens,
		reservationFailed:   reservationFailed,
	}, nil
}

// RecordAppend increments event append counts.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.eventAppends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate_type", strings.TrimSpace(aggregateType)),
	))
}

// RecordAppendConflict increments version-conflict counts.
func (m *Metrics) RecordAppendConflict(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.appendConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate_type", strings.TrimSpace(aggregateType)),
	))
}

// RecordOutboxPublished increments relay publish counts.
func (m *Metrics) RecordOutboxPublished(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", strings.TrimSpace(topic)),
	))
}

// RecordOutboxPublishFailure increments relay publish failure counts.
func (m *Metrics) RecordOutboxPublishFailure(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.outboxPublishFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", strings.TrimSpace(topic)),
	))
}

// RecordProviderCall increments external provider call counts by outcome.
func (m *Metrics) RecordProviderCall(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	))
}

// RecordCircuitOpen increments circuit-breaker open transitions.
func (m *Metrics) RecordCircuitOpen(ctx context.Context) {
	if m == nil {
		return
	}
	m.circuitOpens.Add(ctx, 1)
}

// RecordReservationFailure counts reservations rejected after the task event
// was already persisted. A reconciliation sweep can key off this signal.
func (m *Metrics) RecordReservationFailure(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	m.reservationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
	))
}
