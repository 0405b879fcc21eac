package telemetry

import (
	"context"
	"testing"

	"github.com/vanducng/mediarelay/internal/config"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel := Disabled()
	ctx, span := tel.StartStage(context.Background(), "fetch")
	if ctx == nil || span == nil {
		t.Fatalf("expected non-nil context and span from disabled telemetry")
	}
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewWithDisabledConfigReturnsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, span := tel.StartUnit(context.Background(), "download", 42, "a")
	span.End()
}
