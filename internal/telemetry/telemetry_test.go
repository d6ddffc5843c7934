package telemetry

import (
	"context"
	"strings"
	"testing"
)

func TestNewProviderDisabledIsUsable(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Enabled {
		t.Fatal("disabled provider reports Enabled=true")
	}

	// No-op instruments must accept calls without panicking.
	p.RecordDocument(12.5, 3, 2)
	p.RecordExhaustion("first-name")
	p.RecordBatchFailure()
	p.Shutdown(context.Background())
}

func TestNewProviderRejectsUnknownProtocol(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown protocol")
	}
	if p != nil {
		t.Fatalf("expected nil provider on error, got %+v", p)
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("error does not name the bad protocol: %v", err)
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	p.RecordDocument(1, 0, 0)
	p.RecordExhaustion("surname")
	p.RecordBatchFailure()
	p.Shutdown(context.Background())
}
