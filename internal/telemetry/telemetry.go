// Package telemetry wires OpenTelemetry tracing and metrics for the sync core.
//
// Telemetry is off unless explicitly enabled in configuration. When disabled,
// the global no-op providers stay installed and nothing leaves the device;
// instruments created through this package still work and record nothing.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/diabetactic/glucosync/internal/logging"
)

// InstrumentationName is the tracer and meter name used across the module.
const InstrumentationName = "github.com/diabetactic/glucosync"

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
}

// Telemetry holds the installed SDK providers.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	config         Config
}

// Init installs OTLP/gRPC tracer and meter providers when cfg.Enabled.
// A provider that fails to initialize is skipped with a warning.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		logging.Debug("telemetry disabled")
		return &Telemetry{config: cfg}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{config: cfg}

	tp, err := initTracer(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		logging.Warn("failed to initialize tracer", map[string]any{"error": err.Error()})
	} else {
		t.TracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := initMeter(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		logging.Warn("failed to initialize meter", map[string]any{"error": err.Error()})
	} else {
		t.MeterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logging.Info("telemetry initialized", map[string]any{"endpoint": cfg.OTLPEndpoint})
	return t, nil
}

func initTracer(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}

func initMeter(ctx context.Context, endpoint string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second),
		)),
		sdkmetric.WithResource(res),
	), nil
}

// Shutdown flushes and stops the installed providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || !t.config.Enabled {
		return nil
	}

	var errs []error
	if t.TracerProvider != nil {
		errs = append(errs, t.TracerProvider.Shutdown(ctx))
	}
	if t.MeterProvider != nil {
		errs = append(errs, t.MeterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Instruments are the counters recorded by the sync engine and orchestrator.
type Instruments struct {
	PushSuccess        metric.Int64Counter
	PushFailed         metric.Int64Counter
	QueueDropped       metric.Int64Counter
	PullMerged         metric.Int64Counter
	ConflictsDetected  metric.Int64Counter
	WorkflowExecutions metric.Int64Counter
}

// NewInstruments creates the counters on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	in.PushSuccess = counter("sync.push.success", "Queue items pushed successfully")
	in.PushFailed = counter("sync.push.failed", "Queue item push attempts that failed")
	in.QueueDropped = counter("sync.queue.dropped", "Queue items dropped after exhausting retries")
	in.PullMerged = counter("sync.pull.merged", "Remote readings merged into the local store")
	in.ConflictsDetected = counter("sync.conflicts.detected", "Conflicts recorded during pull")
	in.WorkflowExecutions = counter("workflow.executions", "Workflow executions by type and status")
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// DefaultInstruments creates the counters on the global meter provider.
// The global provider delegates, so instruments created before Init still
// report once a provider is installed.
func DefaultInstruments() *Instruments {
	in, err := NewInstruments(otel.Meter(InstrumentationName))
	if err != nil {
		logging.Warn("failed to create instruments, using no-op", map[string]any{"error": err.Error()})
		in, _ = NewInstruments(noopMeter())
	}
	return in
}
