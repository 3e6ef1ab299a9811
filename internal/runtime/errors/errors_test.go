package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrNoDestination", ErrNoDestination, "nodebus: envelope has no destination route key"},
		{"ErrUnknownDestination", ErrUnknownDestination, "nodebus: destination does not resolve to a known node"},
		{"ErrEndpointStopping", ErrEndpointStopping, "nodebus: endpoint is stopping"},
		{"ErrEndpointClosed", ErrEndpointClosed, "nodebus: endpoint is closed"},
		{"ErrBusClosed", ErrBusClosed, "nodebus: broker bus is closed"},
		{"ErrUnknownPayloadKind", ErrUnknownPayloadKind, "nodebus: unknown payload kind"},
		{"ErrNotConfigured", ErrNotConfigured, "nodebus: service is not configured"},
		{"ErrConfigRequired", ErrConfigRequired, "nodebus: configuration is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "nodebus: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
