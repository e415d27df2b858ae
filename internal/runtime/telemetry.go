package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the node's trace and meter providers. Each runtime gets its
// own Prometheus registry so /metrics only shows this node's sessions.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        http.Handler
	exporter       string
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := nodeResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t := &telemetry{}
	if err := t.initTraces(ctx, cfg.Telemetry, res); err != nil {
		return nil, err
	}
	t.initMetrics(res, logger)

	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
	logger.Info("telemetry initialized",
		slog.String("exporter", t.exporter),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

// nodeResource describes this scribe node: which recognizer it fronts and
// which node id it announces on the bus.
func nodeResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("scribe.recognizer.mode", cfg.Recognizer.Mode),
		attribute.String("scribe.recognizer.language", cfg.Recognizer.Language),
		attribute.Bool("scribe.bus.enabled", cfg.Bus.Enabled),
	}
	if cfg.Node.ID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Node.ID))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// initTraces prefers an OTLP collector, then stdout when traces are switched
// on. Otherwise spans are recorded but never exported.
func (t *telemetry) initTraces(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		t.exporter = "otlp"
	case cfg.Traces:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		t.exporter = "stdout"
	default:
		t.exporter = "none"
	}
	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	return nil
}

// initMetrics never fails the node: without an exporter the meters still
// work and /metrics is simply not served.
func (t *telemetry) initMetrics(res *resource.Resource, logger *slog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	t.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}
