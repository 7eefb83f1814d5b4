// Package telemetry wires structured logging, request counters, and optional
// OTLP trace export.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Metrics holds the request accounting counters exposed at /metrics. Every
// request increments requests_total plus exactly one outcome counter.
type Metrics struct {
	Requests     prometheus.Counter
	BadRequests  prometheus.Counter
	Unauthorized prometheus.Counter
	RateLimited  prometheus.Counter
	ServerErrors prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics builds and registers the counter set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novaadapt_requests_total",
			Help: "Total HTTP requests handled.",
		}),
		BadRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novaadapt_bad_requests_total",
			Help: "Requests rejected with 4xx validation errors.",
		}),
		Unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novaadapt_unauthorized_total",
			Help: "Requests rejected with 401.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novaadapt_rate_limited_total",
			Help: "Requests rejected with 429.",
		}),
		ServerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "novaadapt_server_errors_total",
			Help: "Requests that ended in 5xx.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.Requests, m.BadRequests, m.Unauthorized, m.RateLimited, m.ServerErrors)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetupTracing installs an OTLP HTTP trace exporter and returns a shutdown
// function. With enabled=false it installs nothing and returns a no-op.
func SetupTracing(ctx context.Context, enabled bool, serviceName, endpoint string) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
