// Package telemetry wires OpenTelemetry tracing for darkroom processes.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultService = "darkroom"

// Settings mirrors the standard OTEL_* environment variables.
type Settings struct {
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Required    bool
	Sampler     trace.Sampler
	Version     string
	Environment string
}

func SettingsFromEnv() Settings {
	return Settings{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
		Version:     strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		Environment: strings.TrimSpace(os.Getenv("ENVIRONMENT")),
	}
}

// Init configures global tracing from the environment. A nil logger is
// replaced with a no-op one.
func Init(ctx context.Context, serviceName string, logger *zap.Logger) (func(context.Context) error, error) {
	return InitWith(ctx, serviceName, SettingsFromEnv(), logger)
}

// InitWith is Init with explicit settings. Without an endpoint spans are kept
// in-process only. When the exporter cannot start and Required is false the
// process continues without export.
func InitWith(ctx context.Context, serviceName string, s Settings, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName = serviceNameOrDefault(serviceName)
	if s.Sampler == nil {
		s.Sampler = parseSampler("", "")
	}
	res := buildResource(serviceName, s)
	if s.Endpoint == "" {
		return install(trace.NewTracerProvider(trace.WithResource(res), trace.WithSampler(s.Sampler))), nil
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.Endpoint),
		otlptracehttp.WithTimeout(s.Timeout),
	}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if s.Required {
			return nil, err
		}
		logger.Warn("otel exporter disabled", zap.String("endpoint", s.Endpoint), zap.Error(err))
		return install(trace.NewTracerProvider(trace.WithResource(res), trace.WithSampler(s.Sampler))), nil
	}
	logger.Info("otel exporter enabled", zap.String("endpoint", s.Endpoint), zap.String("service", serviceName))
	return install(trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(s.Sampler),
		trace.WithBatcher(exporter),
	)), nil
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

func buildResource(serviceName string, s Settings) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.Version))
	}
	if s.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	ratio := 1.0
	if arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceNameOrDefault(serviceName))
}

// InstrumentClient wraps an HTTP client with an OTel transport. The client is
// modified in place.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func serviceNameOrDefault(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return defaultService
	}
	return name
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
