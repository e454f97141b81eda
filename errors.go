package cadenza

import "github.com/pkg/errors"

var (
	// ErrClosed is returned from driver operations after Close, or after the
	// driver died with a terminal error.
	ErrClosed = errors.New("voice driver is closed")

	// ErrCryptoModeUnavailable means the voice server does not offer the
	// configured encryption mode.
	ErrCryptoModeUnavailable = errors.New("server does not offer the configured encryption mode")

	// ErrCryptoModeInvalid means the session description echoed a different
	// encryption mode than the one selected.
	ErrCryptoModeInvalid = errors.New("server selected a different encryption mode")

	// ErrTrackEvent is returned when a per-track event is registered
	// globally. Track events belong on a Handle.
	ErrTrackEvent = errors.New("event fires per track, register it on a handle")
)

// ReconnectError wraps the failure that exhausted the driver's reconnect
// budget. It is what Err reports after the driver gives up on a session.
type ReconnectError struct {
	Err error
}

func (e ReconnectError) Error() string {
	return "voice reconnect failed for good: " + e.Err.Error()
}

func (e ReconnectError) Unwrap() error { return e.Err }
