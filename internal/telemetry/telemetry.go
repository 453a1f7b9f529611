// Package telemetry bootstraps the OpenTelemetry pipeline and the process
// logger.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	ServiceName    = "dmarcpat"
	ServiceVersion = "1.0.0"

	grpcPort = "4317"
)

// Options selects the exporters. With no Endpoint traces and metrics stay on
// the no-op providers; StdoutLogs then routes log records to a writer.
type Options struct {
	Endpoint   string
	Headers    map[string]string
	StdoutLogs io.Writer
}

type Telemetry struct {
	shutdownFuncs []func(context.Context) error
	otelLogs      bool
}

// Setup bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call Shutdown for proper cleanup.
func Setup(ctx context.Context, opts Options) (tel *Telemetry, err error) {
	tel = &Telemetry{}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, tel.Shutdown(ctx))
		tel = nil
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	))

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		if opts.StdoutLogs != nil {
			var exporter *stdoutlog.Exporter
			exporter, err = stdoutlog.New(stdoutlog.WithWriter(opts.StdoutLogs))
			if err != nil {
				handleErr(err)
				return tel, err
			}
			provider := log.NewLoggerProvider(log.WithProcessor(log.NewSimpleProcessor(exporter)))
			tel.shutdownFuncs = append(tel.shutdownFuncs, provider.Shutdown)
			global.SetLoggerProvider(provider)
			tel.otelLogs = true
		}
		return tel, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", ServiceVersion),
		))
	if err != nil {
		handleErr(err)
		return tel, err
	}

	tracerProvider, err := newTraceProvider(ctx, res, endpoint, opts.Headers)
	if err != nil {
		handleErr(err)
		return tel, err
	}
	tel.shutdownFuncs = append(tel.shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx, res, endpoint, opts.Headers)
	if err != nil {
		handleErr(err)
		return tel, err
	}
	tel.shutdownFuncs = append(tel.shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	loggerProvider, err := newLoggerProvider(ctx, res, endpoint, opts.Headers)
	if err != nil {
		handleErr(err)
		return tel, err
	}
	tel.shutdownFuncs = append(tel.shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)
	tel.otelLogs = true

	return tel, nil
}

// Shutdown flushes and stops every provider. It is safe to call twice.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

// Logger returns the process logger. Records go to the OTel log pipeline
// when one is configured and to w as JSON otherwise.
func (t *Telemetry) Logger(w io.Writer, level slog.Level) *slog.Logger {
	if t != nil && t.otelLogs {
		return otelslog.NewLogger(ServiceName)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseHeaders reads "key=value,key2=value2" as used by OTLP header settings.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
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

func grpcEndpoint(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	return net.JoinHostPort(host, grpcPort)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpoint string, headers map[string]string) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
		trace.WithBatcher(traceExporter,
			trace.WithMaxQueueSize(10_000),
			trace.WithMaxExportBatchSize(10_000),
			trace.WithBatchTimeout(time.Second)),
	), nil
}

func deltaTemporality(kind metric.InstrumentKind) metricdata.Temporality {
	switch kind {
	case metric.InstrumentKindCounter,
		metric.InstrumentKindObservableCounter,
		metric.InstrumentKindHistogram:
		return metricdata.DeltaTemporality
	default:
		return metricdata.CumulativeTemporality
	}
}

func newMeterProvider(ctx context.Context, res *resource.Resource, endpoint string, headers map[string]string) (*metric.MeterProvider, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(grpcEndpoint(endpoint)),
		otlpmetricgrpc.WithHeaders(headers),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(deltaTemporality),
	)
	if err != nil {
		return nil, err
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(15*time.Second))),
	), nil
}

func newLoggerProvider(ctx context.Context, res *resource.Resource, endpoint string, headers map[string]string) (*log.LoggerProvider, error) {
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
	), nil
}
