// Package telemetry initializes OpenTelemetry providers for metric and log
// export over OTLP HTTP.
//
// Telemetry is strictly opt-in: Init returns (nil, nil) unless at least one
// of the endpoint env vars is set. Initialization errors are returned but
// must not affect normal dispatcher operation — callers log and continue.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EnvMetricsURL is the env var for the OTLP metrics endpoint.
	EnvMetricsURL = "DISPATCHD_OTEL_METRICS_URL"

	// EnvLogsURL is the env var for the OTLP logs endpoint.
	EnvLogsURL = "DISPATCHD_OTEL_LOGS_URL"

	// ExportInterval is how often metrics are pushed.
	ExportInterval = 30 * time.Second
)

// package-level state for idempotent Init.
var (
	initMu         sync.Mutex
	initDone       bool
	globalProvider *Provider
)

// Provider wraps the OTel SDK providers and their shutdown functions.
type Provider struct {
	shutdowns    []func(context.Context) error
	shutdownMu   sync.Mutex
	shutdownDone bool
}

// Shutdown flushes pending data and stops the providers. Idempotent; call
// with a deadline context on process exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdownDone {
		return nil
	}
	p.shutdownDone = true

	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// Init initializes the metric and log providers. Idempotent: later calls
// return the provider created by the first. Returns (nil, nil) when neither
// endpoint env var is set.
func Init(ctx context.Context, serviceName, serviceVersion string) (*Provider, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return globalProvider, nil
	}

	metricsURL := os.Getenv(EnvMetricsURL)
	logsURL := os.Getenv(EnvLogsURL)
	if metricsURL == "" && logsURL == "" {
		initDone = true
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTel resource: %w", err)
	}

	p := &Provider{}

	if metricsURL != "" {
		metricExp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(metricsURL),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(metricExp,
					sdkmetric.WithInterval(ExportInterval),
				),
			),
		)
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}

	if logsURL != "" {
		logExp, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(logsURL),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		)
		global.SetLoggerProvider(lp)
		p.shutdowns = append(p.shutdowns, lp.Shutdown)
	}

	initDone = true
	globalProvider = p
	return p, nil
}
