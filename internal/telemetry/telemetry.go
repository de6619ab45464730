package telemetry

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const EndpointEnvVar = "OTEL_EXPORTER_OTLP_ENDPOINT"

type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global trace provider exporting over OTLP/HTTP. Without
// OTEL_EXPORTER_OTLP_ENDPOINT tracing stays off; the otelhttp handlers and
// transports then record into the default noop provider.
func Init(ctx context.Context, serviceName string, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, insecure, ok := parseEndpoint(os.Getenv(EndpointEnvVar))
	if !ok {
		logger.Debug("tracing disabled", slog.String("reason", "no otlp endpoint"))
		return noop, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(initCtx, options...)
	if err != nil {
		// Tracing is optional; the service runs without it.
		logger.Warn("otlp exporter unavailable, tracing disabled",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("tracing enabled",
		slog.String("endpoint", endpoint),
		slog.String("service", serviceName),
	)
	return tp.Shutdown, nil
}

// parseEndpoint accepts either host:port or a URL. Plain http and bare
// host:port endpoints are exported without TLS.
func parseEndpoint(raw string) (hostPort string, insecure bool, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, false
	}
	if !strings.Contains(raw, "://") {
		return strings.TrimRight(raw, "/"), true, true
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", false, false
	}
	return parsed.Host, parsed.Scheme != "https", true
}
