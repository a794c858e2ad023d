package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/tts"
)

// Histogram boundaries in seconds for whole generation runs. Values above
// the configured timeout are dropped and the timeout becomes the last bucket.
var generationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

const generationDurationMetric = "lecture.generation.duration"

func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(cfg, res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

// newResource identifies this generator node: every span and metric carries
// the node id and the synthesis engine it fronts.
func newResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.Node.ID),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("lecture.synthesis.mode", cfg.Synthesis.Mode),
		attribute.String("lecture.synthesis.voice", tts.ResolveVoice(cfg.Synthesis.Voice, "").ID()),
		attribute.String("lecture.synthesis.language", cfg.Synthesis.Language),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))

	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = otlp
		logger.Info("telemetry initialized",
			slog.String("exporter", "otlp"),
			slog.String("endpoint", endpoint),
			slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
	} else {
		// stdout carries the JSON logs; spans go to stderr.
		stdout, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		exporter = stdout
		logger.Info("telemetry initialized",
			slog.String("exporter", "stderr"),
			slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// initMetrics exports through a private registry so /metrics shows only this
// runtime's series plus Go and process collectors.
func initMetrics(cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	views := sdkmetric.WithView(sdkmetric.NewView(
		sdkmetric.Instrument{Name: generationDurationMetric},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: durationBuckets(cfg.Lecture.TimeoutSeconds),
		}},
	))

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slogError(err))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), views), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
		views,
	)
	return meter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func durationBuckets(timeoutSeconds int) []float64 {
	if timeoutSeconds <= 0 {
		return append([]float64(nil), generationBuckets...)
	}
	limit := float64(timeoutSeconds)
	out := make([]float64, 0, len(generationBuckets)+1)
	for _, b := range generationBuckets {
		if b < limit {
			out = append(out, b)
		}
	}
	return append(out, limit)
}
