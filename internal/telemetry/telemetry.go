package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/veil-ai/veil/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires the OTLP meter provider and exposes domain counters.
// Metric labels never carry literals or pseudonyms, only counts and
// category/kind names.
type Provider struct {
	Enabled bool
	meter   metric.Meter

	documentsCounter      metric.Int64Counter
	entitiesCounter       metric.Int64Counter
	exhaustionCounter     metric.Int64Counter
	batchFailuresCounter  metric.Int64Counter
	documentDuration      metric.Float64Histogram
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures the OTLP metric exporter + provider. When
// disabled, returns no-op instruments so call sites never branch.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		no := &Provider{
			Enabled: false,
			meter:   noop.NewMeterProvider().Meter(""),
		}
		no.initInstruments()
		return no, nil
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s; if no collector is listening, periodic 'failed to upload metrics' warnings are expected", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var reader sdkmetric.Reader
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	case "http":
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return nil, fmt.Errorf("unsupported telemetry protocol %q (want grpc or http)", cfg.Protocol)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled: true,
		meter:   mp.Meter("veil"),
		shutdownMeterProvider: func(ctx context.Context) error {
			if mp != nil {
				return mp.Shutdown(ctx)
			}
			return nil
		},
	}
	p.initInstruments()
	return p, nil
}

// NewProviderWithMeter wraps a meter whose provider the caller owns.
// Shutdown becomes a no-op; the caller flushes its own provider.
func NewProviderWithMeter(m metric.Meter) *Provider {
	p := &Provider{Enabled: true, meter: m}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.documentsCounter, _ = p.meter.Int64Counter("veil_documents_total")
	p.entitiesCounter, _ = p.meter.Int64Counter("veil_entities_total")
	p.exhaustionCounter, _ = p.meter.Int64Counter("veil_pool_exhaustion_total")
	p.batchFailuresCounter, _ = p.meter.Int64Counter("veil_batch_failures_total")
	p.documentDuration, _ = p.meter.Float64Histogram("veil_document_duration_ms")
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes the meter provider.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordDocument emits per-document counters: one processed document,
// its new/reused entity split, and its wall time.
func (p *Provider) RecordDocument(durMs float64, newEntities, reusedEntities int) {
	if p == nil {
		return
	}
	p.documentsCounter.Add(context.Background(), 1)
	p.documentDuration.Record(context.Background(), durMs)
	if newEntities > 0 {
		p.entitiesCounter.Add(context.Background(), int64(newEntities),
			metric.WithAttributes(attribute.String("veil.reuse", "new")))
	}
	if reusedEntities > 0 {
		p.entitiesCounter.Add(context.Background(), int64(reusedEntities),
			metric.WithAttributes(attribute.String("veil.reuse", "reused")))
	}
}

// RecordExhaustion counts a pool falling back to systematic naming.
func (p *Provider) RecordExhaustion(kind string) {
	if p == nil {
		return
	}
	p.exhaustionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("veil.kind", kind)))
}

// RecordBatchFailure counts a document that failed inside a batch.
func (p *Provider) RecordBatchFailure() {
	if p == nil {
		return
	}
	p.batchFailuresCounter.Add(context.Background(), 1)
}
