package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsBlockedKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/generations/:feature"),
		attribute.String("prompt", "write me a hook"),
		attribute.String("feature", strings.Repeat("x", 400)),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if got := len(attrs[1].Value.AsString()); got != maxAttributeLength {
		t.Fatalf("expected truncated value of %d, got %d", maxAttributeLength, got)
	}
}

func TestSafeErrorFlattens(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	base := errors.New("boom")
	wrapped := SafeError(errors.Join(base, errors.New("more")))
	if errors.Is(wrapped, base) {
		t.Fatalf("expected flattened error")
	}
}
