package otelexport

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestShutdown_NilExporter(t *testing.T) {
	var e *Exporter
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{NodeID: "abc"})
	found := map[attribute.Key]string{}
	for _, kv := range attrs {
		found[kv.Key] = kv.Value.Emit()
	}
	if found["service.name"] != "clawnode" {
		t.Errorf("service.name = %q", found["service.name"])
	}
	if found["clawnode.node_id"] != "abc" {
		t.Errorf("node id = %q", found["clawnode.node_id"])
	}
}

func TestInstallRegistersGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	mem := tracetest.NewInMemoryExporter()
	e, err := install(mem, Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "gateway.connect")
	span.End()

	if err := e.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := mem.GetSpans()
	defer e.Shutdown(context.Background())
	if len(spans) != 1 || spans[0].Name != "gateway.connect" {
		t.Fatalf("exported spans = %v", spans)
	}
}
