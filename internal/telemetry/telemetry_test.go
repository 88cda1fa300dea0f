package telemetry_test

import (
	"context"
	"testing"

	"github.com/lborres/gatekeep/config"
	"github.com/lborres/gatekeep/internal/telemetry"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address, nothing is exported before shutdown.
	shutdown, err := telemetry.Setup(context.Background(), config.TelemetryConfig{Endpoint: "http://192.0.2.1:4318"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
