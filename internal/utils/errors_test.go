package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedErrors(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := fmt.Errorf("fetch series: %w", TransientError("druid.Query", "request failed", base))

	if !IsTransient(err) {
		t.Fatalf("expected transient error, got kind %s", KindOf(err))
	}
	if IsConfig(err) {
		t.Fatalf("transient error reported as config")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error to be reachable")
	}
}

func TestKindOfSkipsUnclassifiedLayers(t *testing.T) {
	inner := ConfigError("detect.New", "unknown framework", nil)
	outer := NewAppError("engine.Detect", "configure backend", inner)

	if got := KindOf(outer); got != KindConfig {
		t.Fatalf("expected config kind, got %s", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("expected unknown kind, got %s", got)
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := BackendError("detect.Detect", "model failed", errors.New("boom"))
	if err.Error() != "detect.Detect: model failed: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
