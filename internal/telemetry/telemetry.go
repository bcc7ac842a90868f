package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Interception metrics
	decisionsTotal        metric.Int64Counter
	interceptionsActive   metric.Int64UpDownCounter
	outcomesTotal         metric.Int64Counter
	claimsLostTotal       metric.Int64Counter
	relayOperationsTotal  metric.Int64Counter
	relayErrors           metric.Int64Counter
	relayDuration         metric.Float64Histogram
	bridgeCommandsTotal   metric.Int64Counter
	bridgeCommandDuration metric.Float64Histogram
	extensionConnected    metric.Int64UpDownCounter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, adds a periodic OTLP/gRPC push reader next to the Prometheus pull reader.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled config yields a Telemetry whose
// methods are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider()

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("handoff")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDecision counts a classifier verdict. Reasons come from a fixed set.
func (t *Telemetry) RecordDecision(source, reason string, intercept bool) {
	if t == nil || t.decisionsTotal == nil {
		return
	}

	t.decisionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
			attribute.Bool("intercept", intercept),
		),
	)
}

// InterceptionStarted marks a claimed interception.
func (t *Telemetry) InterceptionStarted(source string) {
	if t == nil || t.interceptionsActive == nil {
		return
	}

	t.interceptionsActive.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

// InterceptionFinished records the terminal state of a claimed interception.
func (t *Telemetry) InterceptionFinished(source, state string) {
	if t == nil || t.interceptionsActive == nil {
		return
	}

	t.interceptionsActive.Add(context.Background(), -1, metric.WithAttributes(attribute.String("source", source)))
	t.outcomesTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("state", state),
		),
	)
}

// RecordClaimLost counts observers that abstained because the key was already claimed.
func (t *Telemetry) RecordClaimLost(source string) {
	if t == nil || t.claimsLostTotal == nil {
		return
	}

	t.claimsLostTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordRelayOperation records relay client operation metrics.
func (t *Telemetry) RecordRelayOperation(operation, status string, duration time.Duration) {
	if t == nil || t.relayOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.relayOperationsTotal.Add(context.Background(), 1, attrs)
	t.relayDuration.Record(context.Background(), duration.Seconds(), attrs)

	if status == "error" {
		t.relayErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordBridgeCommand records a command sent to the extension.
func (t *Telemetry) RecordBridgeCommand(action, status string, duration time.Duration) {
	if t == nil || t.bridgeCommandsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)

	t.bridgeCommandsTotal.Add(context.Background(), 1, attrs)
	t.bridgeCommandDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// ExtensionConnected tracks whether the extension socket is up.
func (t *Telemetry) ExtensionConnected(connected bool) {
	if t == nil || t.extensionConnected == nil {
		return
	}

	delta := int64(-1)
	if connected {
		delta = 1
	}

	t.extensionConnected.Add(context.Background(), delta)
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

type counterSpec struct {
	target      *metric.Int64Counter
	name, about string
}

type histogramSpec struct {
	target      *metric.Float64Histogram
	name, about string
}

type upDownSpec struct {
	target      *metric.Int64UpDownCounter
	name, about string
}

func (t *Telemetry) initializeMetrics() error {
	counters := []counterSpec{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.decisionsTotal, "intercept_decisions_total", "Total number of classifier decisions"},
		{&t.outcomesTotal, "intercept_outcomes_total", "Total number of terminal interception outcomes"},
		{&t.claimsLostTotal, "intercept_claims_lost_total", "Observers that abstained because the download was already claimed"},
		{&t.relayOperationsTotal, "relay_operations_total", "Total number of relay operations"},
		{&t.relayErrors, "relay_errors_total", "Total number of relay errors"},
		{&t.bridgeCommandsTotal, "bridge_commands_total", "Total number of commands sent to the extension"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		inst, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.about), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.target = inst
	}

	histograms := []histogramSpec{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.relayDuration, "relay_operation_duration_seconds", "Relay operation duration in seconds"},
		{&t.bridgeCommandDuration, "bridge_command_duration_seconds", "Extension command round trip in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		inst, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.about), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.target = inst
	}

	upDowns := []upDownSpec{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.interceptionsActive, "intercept_active", "Number of interceptions currently claimed"},
		{&t.extensionConnected, "extension_connected", "1 while the extension socket is connected"},
	}

	for _, u := range upDowns {
		inst, err := t.meter.Int64UpDownCounter(u.name, metric.WithDescription(u.about), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", u.name, err)
		}

		*u.target = inst
	}

	return nil
}
