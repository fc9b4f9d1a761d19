// Package telemetry wires structured logging, OpenTelemetry tracing and
// metrics, and the optional Prometheus scrape endpoint for the daemon.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName = "pibrain"
	meterName  = "pibrain"

	// envOTLPEndpoint lets operators point traces at a collector without a
	// config file change.
	envOTLPEndpoint = "PIBRAIN_OTLP_ENDPOINT"

	defaultShutdownTimeout = 10 * time.Second
	metricsReadTimeout     = 5 * time.Second
)

// Options configures telemetry initialization.
type Options struct {
	ServiceName    string
	ServiceVersion string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat string

	// MetricsPort serves a Prometheus /metrics endpoint when non-zero.
	MetricsPort int
}

// Providers holds the initialized telemetry handles.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger

	// Shutdown flushes pending telemetry and stops the metrics listener.
	// Must be called before process exit.
	Shutdown func(ctx context.Context) error
}

// Init builds logging, tracing, and metrics. Tracing exports only when an
// OTLP endpoint is set in the environment; metrics export only when the
// Prometheus port is configured. Everything else is a no-op with zero
// overhead.
func Init(opts Options) (Providers, error) {
	res, resErr := buildResource(opts)
	if resErr != nil {
		return Providers{}, resErr
	}

	tp, tpShutdown, traceErr := buildTracerProvider(res)
	if traceErr != nil {
		return Providers{}, fmt.Errorf("build tracer provider: %w", traceErr)
	}

	mp, mpShutdown, meterErr := buildMeterProvider(opts, res)
	if meterErr != nil {
		shutdownErr := tpShutdown(context.Background())

		return Providers{}, errors.Join(fmt.Errorf("build meter provider: %w", meterErr), shutdownErr)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		deadlineCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()

		return errors.Join(tpShutdown(deadlineCtx), mpShutdown(deadlineCtx))
	}

	return Providers{
		Tracer:   tp.Tracer(tracerName),
		Meter:    mp.Meter(meterName),
		Logger:   BuildLogger(opts.LogLevel, opts.LogFormat),
		Shutdown: shutdown,
	}, nil
}

// BuildLogger constructs the slog logger from the configured level and
// format, defaulting to info/text on unknown values.
func BuildLogger(level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildResource(opts Options) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	}

	if opts.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(opts.ServiceVersion)))
	}

	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	return res, nil
}

type shutdownFunc func(ctx context.Context) error

func noopShutdown(_ context.Context) error { return nil }

func buildTracerProvider(res *resource.Resource) (trace.TracerProvider, shutdownFunc, error) {
	endpoint := os.Getenv(envOTLPEndpoint)
	if endpoint == "" {
		return nooptrace.NewTracerProvider(), noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	return tp, tp.Shutdown, nil
}

func buildMeterProvider(opts Options, res *resource.Resource) (metric.MeterProvider, shutdownFunc, error) {
	if opts.MetricsPort == 0 {
		return noopmetric.NewMeterProvider(), noopShutdown, nil
	}

	mp, handler, err := prometheusProvider(res)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(opts.MetricsPort)),
		Handler:           mux,
		ReadHeaderTimeout: metricsReadTimeout,
	}

	go func() {
		serveErr := server.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Warn("metrics listener stopped", slog.Any("error", serveErr))
		}
	}()

	shutdown := func(ctx context.Context) error {
		return errors.Join(server.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return mp, shutdown, nil
}
