package exporters

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestExporter_InvalidName(t *testing.T) {
	_, err := NewTracingExporter(context.Background(), "invalid", Options{})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("expected ErrUnknownExporter, got: %v", err)
	}

	_, err = NewMetricsReader(context.Background(), "invalid", Options{})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("expected ErrUnknownExporter, got: %v", err)
	}
}

func TestExporter_StdoutTracingUsesWriter(t *testing.T) {
	var buf bytes.Buffer
	exp, err := NewTracingExporter(context.Background(), "stdout", Options{Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create stdout tracing exporter: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}

func TestExporter_StdoutMetrics(t *testing.T) {
	reader, err := NewMetricsReader(context.Background(), "stdout", Options{})
	if err != nil {
		t.Fatalf("failed to create stdout metrics reader: %v", err)
	}
	if reader == nil {
		t.Fatal("expected non-nil reader")
	}
}

func TestExporter_OtlpMissingEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	_, err := NewTracingExporter(context.Background(), "otlp", Options{})
	if !errors.Is(err, ErrEndpointNotConfigured) {
		t.Fatalf("expected ErrEndpointNotConfigured, got: %v", err)
	}

	_, err = NewMetricsReader(context.Background(), "otlp", Options{})
	if !errors.Is(err, ErrEndpointNotConfigured) {
		t.Fatalf("expected ErrEndpointNotConfigured, got: %v", err)
	}
}

func TestExporter_NoneAndEmpty(t *testing.T) {
	for _, name := range []string{"none", ""} {
		if _, err := NewTracingExporter(context.Background(), name, Options{}); err != nil {
			t.Errorf("tracing %q: unexpected error %v", name, err)
		}
		if _, err := NewMetricsReader(context.Background(), name, Options{}); err != nil {
			t.Errorf("metrics %q: unexpected error %v", name, err)
		}
	}
}

func TestLookupEndpoint_FirstNonEmpty(t *testing.T) {
	t.Setenv("A_ENDPOINT", "")
	t.Setenv("B_ENDPOINT", "localhost:4317")

	if got := lookupEndpoint("A_ENDPOINT", "B_ENDPOINT"); got != "localhost:4317" {
		t.Errorf("lookupEndpoint() = %q, want localhost:4317", got)
	}
}
