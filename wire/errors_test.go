package wire

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorfMatchesSentinelByCode(t *testing.T) {
	t.Parallel()

	err := Errorf(CodeNotFound, "no such path %q", "/data/x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is against ErrNotFound to hold for %v", err)
	}
	if errors.Is(err, ErrOffline) {
		t.Fatalf("did not expect a not_found error to match ErrOffline")
	}
}

func TestErrorMatchesThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("engine: %w", Errorf(CodeSessionExpired, "session lapsed"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected wrapped error to match ErrSessionExpired, got %v", err)
	}
	if got := CodeOf(err); got != CodeSessionExpired {
		t.Fatalf("CodeOf = %q, want %q", got, CodeSessionExpired)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	t.Parallel()

	if got := CodeOf(errors.New("boom")); got != CodeFailure {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeFailure)
	}
}

func TestErrorMessageIncludesCode(t *testing.T) {
	t.Parallel()

	err := Errorf(CodeUnreachable, "agent link down")
	want := "unreachable: agent link down"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
