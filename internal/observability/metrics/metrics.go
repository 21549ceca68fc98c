// Package metrics exposes the application's OTLP instruments. When metrics
// are disabled the provider degrades to a noop so call sites never branch.
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
}

// Metrics exposes application-level instruments.
type Metrics struct {
	gateAllowed     metric.Int64Counter
	gateDenied      metric.Int64Counter
	allocations     metric.Int64Counter
	casConflicts    metric.Int64Counter
	riskDenials     metric.Int64Counter
	activityAppends metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "quarters"
	}
	meter := provider.Meter(name)

	gateAllowed, err := meter.Int64Counter("quarters_gate_allowed_total")
	if err != nil {
		return nil, err
	}
	gateDenied, err := meter.Int64Counter("quarters_gate_denied_total")
	if err != nil {
		return nil, err
	}
	allocations, err := meter.Int64Counter("quarters_allocations_total")
	if err != nil {
		return nil, err
	}
	casConflicts, err := meter.Int64Counter("quarters_allocation_conflicts_total")
	if err != nil {
		return nil, err
	}
	riskDenials, err := meter.Int64Counter("quarters_risk_denials_total")
	if err != nil {
		return nil, err
	}
	activityAppends, err := meter.Int64Counter("quarters_activity_appends_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gateAllowed:     gateAllowed,
		gateDenied:      gateDenied,
		allocations:     allocations,
		casConflicts:    casConflicts,
		riskDenials:     riskDenials,
		activityAppends: activityAppends,
	}, nil
}

// RecordGateAllowed increments allowed gate decisions.
func (m *Metrics) RecordGateAllowed(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.gateAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGateDenied increments denied gate decisions, labelled by denial code.
func (m *Metrics) RecordGateDenied(ctx context.Context, resource, code string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("resource", strings.TrimSpace(resource)),
		attribute.String("code", strings.TrimSpace(code)),
	)
	m.gateDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAllocation increments completed counter mutations.
func (m *Metrics) RecordAllocation(ctx context.Context, resource, direction string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("resource", strings.TrimSpace(resource)),
		attribute.String("direction", strings.TrimSpace(direction)),
	)
	m.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCASConflict increments aborted counter mutations.
func (m *Metrics) RecordCASConflict(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.casConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRiskDenial increments fraud-risk blocks.
func (m *Metrics) RecordRiskDenial(ctx context.Context) {
	if m == nil {
		return
	}
	m.riskDenials.Add(ctx, 1)
}

// RecordActivityAppend increments ledger writes, labelled by outcome.
func (m *Metrics) RecordActivityAppend(ctx context.Context, activityType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("activity_type", strings.TrimSpace(activityType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.activityAppends.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"resource":      {},
	"code":          {},
	"direction":     {},
	"activity_type": {},
	"outcome":       {},
	"status_code":   {},
	"endpoint":      {},
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
