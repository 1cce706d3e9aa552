package encode

import "errors"

// Setup errors are returned before a session runs; session errors end it.
var (
	ErrNoCompatibleEncoder = errors.New("no compatible encoder")
	ErrNoCompatibleFormat  = errors.New("no compatible color format")
	ErrUnsupportedConfig   = errors.New("unsupported encoder config")
	ErrSlotSizeMismatch    = errors.New("slot size mismatch")
	ErrDeviceFailure       = errors.New("encoder device failure")
	ErrSlotOwnership       = errors.New("slot ownership violation")
	ErrInvalidState        = errors.New("invalid session state")
)

// IsFatal reports whether err permanently stops a running session.
// A stopped session is never retried; callers create a new one.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceFailure) ||
		errors.Is(err, ErrSlotSizeMismatch) ||
		errors.Is(err, ErrSlotOwnership)
}
