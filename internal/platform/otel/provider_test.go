package otel_test

import (
	"context"
	"testing"

	"github.com/animus-labs/cargo-custody/internal/platform/otel"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("CUSTODY_OTEL_ENDPOINT", "")
	t.Setenv("CUSTODY_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "custody-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Setenv("CUSTODY_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("CUSTODY_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "custody-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRejectsBadFlag(t *testing.T) {
	t.Setenv("CUSTODY_OTEL_ENABLED", "maybe")
	if _, err := otel.Setup(context.Background(), "custody-test"); err == nil {
		t.Fatalf("expected error for malformed CUSTODY_OTEL_ENABLED")
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	t.Setenv("CUSTODY_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("CUSTODY_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "custody-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
