package errors

import sterrors "errors"

var (
	ErrNoDestination      = sterrors.New("nodebus: envelope has no destination route key")
	ErrUnknownDestination = sterrors.New("nodebus: destination does not resolve to a known node")
	ErrEndpointStopping   = sterrors.New("nodebus: endpoint is stopping")
	ErrEndpointClosed     = sterrors.New("nodebus: endpoint is closed")
	ErrBusRequired        = sterrors.New("nodebus: broker bus is required")
	ErrBusClosed          = sterrors.New("nodebus: broker bus is closed")
	ErrDriverRequired     = sterrors.New("nodebus: broker driver is required")
	ErrUnknownPayloadKind = sterrors.New("nodebus: unknown payload kind")
	ErrPayloadRequired    = sterrors.New("nodebus: envelope payload is required")
	ErrWorkerRequired     = sterrors.New("nodebus: service worker is required")
	ErrNotConfigured      = sterrors.New("nodebus: service is not configured")
	ErrAlreadyConfigured  = sterrors.New("nodebus: service is already configured")
	ErrConfigRequired     = sterrors.New("nodebus: configuration is required")
	ErrStoreRequired      = sterrors.New("nodebus: schedule store is required")
)

// ConfigValidationError wraps the joined field errors reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "nodebus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
