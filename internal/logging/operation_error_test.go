package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationErrorFormatsRequestID(t *testing.T) {
	cause := errors.New("boom")
	err := NewOperationError("cache.incr", "req-1", cause)

	if got, want := err.Error(), "cache.incr (request_id=req-1): boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}

	if got, want := NewOperationError("cache.incr", "", cause).Error(), "cache.incr: boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if NewOperationError("noop", "", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithOperation(zap.New(core), "relay.remove_background", "req-9")
	logger.Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "relay.remove_background" {
		t.Fatalf("unexpected operation field: %v", fields["operation"])
	}
	if fields["request_id"] != "req-9" {
		t.Fatalf("unexpected request_id field: %v", fields["request_id"])
	}
}

func TestNewLoggerUnknownLevelFallsBack(t *testing.T) {
	logger, err := NewLogger("chatty")
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	if !logger.Core().Enabled(zap.InfoLevel) || logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected info level logger")
	}
}
