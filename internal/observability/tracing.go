package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Environment variables read by TracingConfigFromEnv.
const (
	EnvTracingEnabled     = "SCHED_TRACING_ENABLED"
	EnvTracingExporter    = "SCHED_TRACING_EXPORTER"
	EnvTracingServiceName = "SCHED_TRACING_SERVICE_NAME"
	EnvTracingSampleRatio = "SCHED_TRACING_SAMPLE_RATIO"
	EnvTracingEndpoint    = "SCHED_TRACING_ENDPOINT"
)

// Span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	DefaultServiceName  = "scope-scheduler"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSampleRatio  = 0.01

	shutdownTimeout = 5 * time.Second
)

// Resource attribute keys describing the scheduled carrier.
const (
	AttrNofPRB         = attribute.Key("ran.cell.nof_prb")
	AttrNofRBG         = attribute.Key("ran.cell.nof_rbg")
	AttrEnbCC          = attribute.Key("ran.cell.enb_cc_idx")
	AttrSlicingEnabled = attribute.Key("ran.slicing.enabled")
	AttrTenants        = attribute.Key("ran.slicing.tenants")
	AttrGlobalPolicy   = attribute.Key("ran.scheduler.global_policy")
)

// CellResource identifies the carrier whose scheduler emits the spans. Zero
// fields are left out of the resource.
type CellResource struct {
	NofPRB         int
	NofRBG         int
	EnbCCIdx       int
	SlicingEnabled bool
	Tenants        int
	GlobalPolicy   string
}

func (c CellResource) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnbCC.Int(c.EnbCCIdx),
		AttrSlicingEnabled.Bool(c.SlicingEnabled),
	}
	if c.NofPRB > 0 {
		attrs = append(attrs, AttrNofPRB.Int(c.NofPRB))
	}
	if c.NofRBG > 0 {
		attrs = append(attrs, AttrNofRBG.Int(c.NofRBG))
	}
	if c.SlicingEnabled && c.Tenants > 0 {
		attrs = append(attrs, AttrTenants.Int(c.Tenants))
	}
	if c.GlobalPolicy != "" {
		attrs = append(attrs, AttrGlobalPolicy.String(c.GlobalPolicy))
	}
	return attrs
}

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	Endpoint    string // otlp only
	SampleRatio float64
	Cell        CellResource
	// Output receives stdout spans; nil means os.Stdout.
	Output io.Writer
}

// TracingConfigFromEnv reads the SCHED_TRACING_* variables. Unset or invalid
// values fall back to the defaults; the cell is left for the caller.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		ServiceName: DefaultServiceName,
		Exporter:    ExporterStdout,
		SampleRatio: DefaultSampleRatio,
	}
	if v, ok := os.LookupEnv(EnvTracingEnabled); ok {
		cfg.Enabled, _ = strconv.ParseBool(strings.ToLower(v))
	}
	if v := strings.ToLower(os.Getenv(EnvTracingExporter)); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv(EnvTracingServiceName); v != "" {
		cfg.ServiceName = v
	}
	if v, err := strconv.ParseFloat(os.Getenv(EnvTracingSampleRatio), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	cfg.Endpoint = os.Getenv(EnvTracingEndpoint)
	return cfg
}

// InitTracing installs the global tracer provider described by cfg and
// returns the function that flushes it. A disabled config installs a no-op
// provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Any("sample_ratio", cfg.SampleRatio),
		logging.Int("nof_prb", cfg.Cell.NofPRB),
		logging.Bool("slicing", cfg.Cell.SlicingEnabled),
	)
	return tp.Shutdown, nil
}

// newResource describes the service and the carrier it schedules.
func newResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "ran"),
	}, cfg.Cell.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout, "":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes pending spans. Errors are logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
