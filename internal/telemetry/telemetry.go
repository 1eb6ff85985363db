// Package telemetry exports capture traces over OTLP HTTP. Each capture start
// and stop is a span tagged with the session, platform and device; external
// commands and state transitions nest beneath it.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName names the collector in exported resources.
	ServiceName = "aro-collector"
	// DefaultEndpoint is the local OTLP HTTP collector.
	DefaultEndpoint = "http://localhost:4318"

	flushTimeout  = 3 * time.Second
	maxBatchSpans = 256
)

// Settings selects where spans go and how this process is described.
type Settings struct {
	Endpoint    string
	Certificate string
	Version     string
	Environment string
	// Platform is recorded on the resource when the command targets one.
	Platform string
	// Console receives span summaries when the OTLP exporter is unavailable.
	Console io.Writer
}

// SettingsFrom resolves Settings from the loaded config and the process
// environment. OTEL_EXPORTER_OTLP_ENDPOINT wins over the config file.
func SettingsFrom(cfg config.OTel, version string) Settings {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(cfg.Endpoint)
	}
	environment := "dev"
	for _, key := range []string{"ARO_ENV", "ENVIRONMENT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			environment = strings.ToLower(value)
			break
		}
	}
	return Settings{
		Endpoint:    endpoint,
		Certificate: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")),
		Version:     version,
		Environment: environment,
		Console:     os.Stderr,
	}
}

var newExporter = func(ctx context.Context, s Settings) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(s.endpoint())}
	if s.Certificate != "" {
		tlsConfig, err := loadCertificate(s.Certificate)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

func (s Settings) endpoint() string {
	if s.Endpoint == "" {
		return DefaultEndpoint
	}
	return s.Endpoint
}

func (s Settings) resourceAttributes() []attribute.KeyValue {
	version := strings.TrimSpace(s.Version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("deployment.environment", s.Environment),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	if s.Platform != "" {
		attrs = append(attrs, AttrPlatform.String(s.Platform))
	}
	return attrs
}

// Init installs the global tracer provider. The returned func flushes pending
// spans and is safe to call more than once.
func Init(ctx context.Context, s Settings) (func(), error) {
	exporter, err := newExporter(ctx, s)
	if err != nil {
		console := s.Console
		if console == nil {
			console = os.Stderr
		}
		fmt.Fprintf(console, "warning: trace export to %s unavailable (%v); printing capture spans instead\n", s.endpoint(), err)
		exporter = &consoleExporter{out: console}
	}

	res, err := resource.New(ctx, resource.WithAttributes(s.resourceAttributes()...))
	if err != nil {
		return nil, fmt.Errorf("describe telemetry resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(flushTimeout),
			sdktrace.WithMaxExportBatchSize(maxBatchSpans),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func loadCertificate(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTLP certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("OTLP certificate %s holds no PEM certificates", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// consoleExporter prints one line per span, with the session it belongs to.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		line := fmt.Sprintf("span %s %s %s", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, kv := range span.Attributes() {
			switch kv.Key {
			case AttrSessionID, AttrDevice, AttrErrorCode:
				line += fmt.Sprintf(" %s=%s", kv.Key, kv.Value.Emit())
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  step %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error {
	return nil
}
