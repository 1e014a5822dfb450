package govee

import (
	"errors"
	"fmt"
)

// Sentinel errors for the expected failure modes. Wrap-aware: check with
// errors.Is.
var (
	// ErrUnauthorized means the API key is missing or rejected. Fatal for
	// the session, never retried.
	ErrUnauthorized = errors.New("govee: unauthorized")
	// ErrRateLimited is returned after the single backoff retry on a 429
	// also failed.
	ErrRateLimited = errors.New("govee: rate limited")
	// ErrNetwork wraps transport-level failures (DNS, TLS, timeouts).
	ErrNetwork = errors.New("govee: network error")
	// ErrBadResponse marks a response that could not be parsed. The device
	// cache is left unmodified.
	ErrBadResponse = errors.New("govee: bad response")
	// ErrDeviceNotFound means the referenced device is not in the cache.
	ErrDeviceNotFound = errors.New("govee: device not found")
	// ErrNotControllable means the device does not accept control commands.
	ErrNotControllable = errors.New("govee: device not controllable")
	// ErrUnsupportedCommand means the device does not list the requested
	// command.
	ErrUnsupportedCommand = errors.New("govee: command not supported by device")
)

// APIError is a vendor-reported failure: a non-2xx status, or a 200 whose
// body carries an error message. Message is never empty.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("govee: API error %d: %s", e.Status, e.Message)
}

func newAPIError(status int, message string) *APIError {
	if message == "" {
		// An empty error detail must never propagate.
		message = "unknown API error"
	}
	return &APIError{Status: status, Message: message}
}
