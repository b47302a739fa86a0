package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
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
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes engine-level instruments.
type Metrics struct {
	actionsScheduled  metric.Int64Counter
	actionsDispatched metric.Int64Counter
	actionRetries     metric.Int64Counter
	guardrailBlocks   metric.Int64Counter
	webhookEvents     metric.Int64Counter
	sendThrottled     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
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
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the engine metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "dunning"
	}
	meter := provider.Meter(name)

	actionsScheduled, err := meter.Int64Counter("dunning_actions_scheduled_total")
	if err != nil {
		return nil, err
	}
	actionsDispatched, err := meter.Int64Counter("dunning_actions_dispatched_total")
	if err != nil {
		return nil, err
	}
	actionRetries, err := meter.Int64Counter("dunning_action_retries_total")
	if err != nil {
		return nil, err
	}
	guardrailBlocks, err := meter.Int64Counter("dunning_guardrail_blocks_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("dunning_webhook_events_total")
	if err != nil {
		return nil, err
	}
	sendThrottled, err := meter.Int64Counter("dunning_send_throttled_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		actionsScheduled:  actionsScheduled,
		actionsDispatched: actionsDispatched,
		actionRetries:     actionRetries,
		guardrailBlocks:   guardrailBlocks,
		webhookEvents:     webhookEvents,
		sendThrottled:     sendThrottled,
	}, nil
}

// RecordActionScheduled counts actions created by trigger evaluation.
func (m *Metrics) RecordActionScheduled(ctx context.Context, triggerType, channel string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("trigger_type", strings.TrimSpace(triggerType)),
		attribute.String("channel", strings.TrimSpace(channel)),
	)
	m.actionsScheduled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordActionDispatched counts dispatch outcomes.
func (m *Metrics) RecordActionDispatched(ctx context.Context, channel, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.actionsDispatched.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRetry(ctx context.Context, channel, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.actionRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordGuardrailBlock(ctx context.Context, channel, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.guardrailBlocks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts inbound delivery callbacks.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSendThrottled(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("channel", strings.TrimSpace(channel)))
	m.sendThrottled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"owner_id":     {},
	"endpoint":     {},
	"status_code":  {},
	"channel":      {},
	"trigger_type": {},
	"outcome":      {},
	"provider":     {},
	"event_type":   {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
