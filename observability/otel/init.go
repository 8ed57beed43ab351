// Package otel wires the OpenTelemetry SDK for songcoin processes. Export is
// opt-in through the standard OTEL_* environment variables.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint = "localhost:4318"
	metricInterval  = 30 * time.Second
)

// Config selects what a process exports and where.
type Config struct {
	ServiceName string
	Version     string
	Environment string
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	// SampleRatio is the fraction of root spans kept, in (0, 1].
	SampleRatio float64
	Metrics     bool
	Traces      bool
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, _HEADERS, _INSECURE,
// OTEL_TRACES_SAMPLER_ARG and OTEL_SDK_DISABLED. Nothing is exported without
// an endpoint.
func ConfigFromEnv(service, env string) Config {
	cfg := Config{
		ServiceName: service,
		Version:     strings.TrimSpace(os.Getenv("SONGCOIN_VERSION")),
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		SampleRatio: 1,
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio > 0 && ratio <= 1 {
			cfg.SampleRatio = ratio
		}
	}
	on := cfg.Endpoint != "" && !envBool("OTEL_SDK_DISABLED", false)
	cfg.Traces, cfg.Metrics = on, on
	return cfg
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Init installs the global tracer and meter providers and the W3C
// propagators. The returned function flushes and stops the exporters.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, errors.New("otel: service name required")
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}
	if !cfg.Traces && !cfg.Metrics {
		return shutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := exporterEndpoint(cfg.Endpoint)
	if cfg.Traces {
		tp, err := newTracerProvider(ctx, cfg, endpoint, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, cfg, endpoint, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}
	return shutdown, nil
}

func exporterEndpoint(raw string) string {
	if raw == "" {
		return defaultEndpoint
	}
	for _, scheme := range []string{"http://", "https://"} {
		raw = strings.TrimPrefix(raw, scheme)
	}
	return strings.TrimSuffix(raw, "/")
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := resource.NewSchemaless(semconv.ServiceNameKey.String(cfg.ServiceName))
	if cfg.Version != "" {
		attrs, _ = resource.Merge(attrs, resource.NewSchemaless(semconv.ServiceVersionKey.String(cfg.Version)))
	}
	if cfg.Environment != "" {
		attrs, _ = resource.Merge(attrs, resource.NewSchemaless(semconv.DeploymentEnvironmentKey.String(cfg.Environment)))
	}
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, endpoint string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	), nil
}

// ParseHeaders splits "k1=v1,k2=v2". Pairs without a key or '=' are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
