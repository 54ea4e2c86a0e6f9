package observe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when [ProviderConfig.ServiceName] is empty.
const DefaultServiceName = "online-amt"

// Resource attribute keys describing the served network.
const (
	AttrModelSource         = attribute.Key("amt.model.source")
	AttrModelCheckpoint     = attribute.Key("amt.model.checkpoint")
	AttrModelConvComplexity = attribute.Key("amt.model.conv_complexity")
	AttrModelLSTMComplexity = attribute.Key("amt.model.lstm_complexity")
	AttrModelSeed           = attribute.Key("amt.model.seed")
)

// ModelInfo identifies the network a process serves. With a checkpoint the
// sizes come from the file, so only its name is reported; random weights
// report their sizes and seed.
type ModelInfo struct {
	Checkpoint     string
	ConvComplexity int
	LSTMComplexity int
	Seed           uint64
}

func (m ModelInfo) attributes() []attribute.KeyValue {
	if m.Checkpoint != "" {
		return []attribute.KeyValue{
			AttrModelSource.String("checkpoint"),
			AttrModelCheckpoint.String(filepath.Base(m.Checkpoint)),
		}
	}
	attrs := []attribute.KeyValue{
		AttrModelSource.String("random"),
		AttrModelSeed.Int64(int64(m.Seed)),
	}
	if m.ConvComplexity > 0 {
		attrs = append(attrs, AttrModelConvComplexity.Int(m.ConvComplexity))
	}
	if m.LSTMComplexity > 0 {
		attrs = append(attrs, AttrModelLSTMComplexity.Int(m.LSTMComplexity))
	}
	return attrs
}

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Model is attached to every metric and span as resource attributes.
	Model ModelInfo

	// SampleRatio is the fraction of new traces recorded; each audio frame
	// opens a chunk span. Values outside (0, 1) record everything. Child
	// spans follow their parent.
	SampleRatio float64

	// TraceExporter receives finished spans. Nil records spans without
	// exporting them.
	TraceExporter sdktrace.SpanExporter

	// MetricReader replaces the Prometheus exporter.
	MetricReader sdkmetric.Reader
}

// NewResource describes the service and its network.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cmp.Or(cfg.ServiceName, DefaultServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	attrs = append(attrs, cfg.Model.attributes()...)
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider registers global meter and tracer providers built from cfg.
// Metrics go to a Prometheus exporter unless cfg.MetricReader is set, so
// /metrics keeps serving them. The returned function flushes and stops both
// providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
