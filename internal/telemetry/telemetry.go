// Package telemetry installs the OpenTelemetry trace and meter providers
// used by the pipeline and exposes metrics in Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Config selects exporters. With no endpoint and no trace file, spans are
// recorded but not exported.
type Config struct {
	ServiceName  string
	Version      string
	OTLPEndpoint string
	OTLPInsecure bool
	TraceFile    string
}

// Telemetry holds the installed providers.
type Telemetry struct {
	// Handler serves the Prometheus metrics of this process.
	Handler http.Handler

	shutdown []func(context.Context) error
}

// Setup installs global trace and meter providers.
func Setup(ctx context.Context, cfg Config, logger *log.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("telemetry")
	if cfg.ServiceName == "" {
		cfg.ServiceName = "episode-tts"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.ProcessPID(os.Getpid()),
			attribute.String("service.component", "pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &Telemetry{}

	tp, closeTraces, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	t.shutdown = append(t.shutdown, closeTraces, tp.Shutdown)

	mp, handler, err := initMetrics(res)
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", "err", err)
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	}
	otel.SetMeterProvider(mp)
	t.Handler = handler
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return t, nil
}

// Shutdown flushes exporters. It is safe to call on a nil Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource, logger *log.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp exporter: %w", err)
		}
		logger.Debug("telemetry initialized", "exporter", "otlp", "endpoint", endpoint)
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), noop, nil
	}

	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("stdout exporter: %w", err)
		}
		logger.Debug("telemetry initialized", "exporter", "file", "path", cfg.TraceFile)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		return tp, func(context.Context) error { return f.Close() }, nil
	}

	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), noop, nil
}

func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// ServeMetrics serves handler on addr under /metrics until ctx is done.
// It returns the bound address, which differs from addr when the port
// is 0.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) (string, error) {
	if handler == nil {
		return "", errors.New("no metrics handler")
	}
	if logger == nil {
		logger = log.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}
