package adapter

import (
	"errors"
	"fmt"

	"github.com/meshline/meshline/internal/chat"
)

// Sentinel errors shared across adapters. Callers match with
// errors.Is; adapters wrap them with operation context.
var (
	// ErrNotConnected is returned by any operation attempted on an
	// adapter without a live transport.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrAlreadyConnected is returned by Connect when a transport is
	// already held.
	ErrAlreadyConnected = errors.New("adapter already connected")

	// ErrTimeout is returned when an awaited condition (open event,
	// login completion) did not occur within budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrSessionExpired is returned after a permanent auth failure;
	// the session must be re-established with a fresh pairing.
	ErrSessionExpired = errors.New("session expired")
)

// UnsupportedOperationError reports that a platform cannot satisfy the
// named operation at all.
type UnsupportedOperationError struct {
	Op       string
	Platform chat.Platform
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %s not supported on %s", e.Op, e.Platform)
}

// Unsupported builds an UnsupportedOperationError.
func Unsupported(op string, platform chat.Platform) error {
	return &UnsupportedOperationError{Op: op, Platform: platform}
}

// TransportError wraps a failure from the underlying wire library so
// callers can distinguish transport faults from domain errors.
type TransportError struct {
	Platform chat.Platform
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Platform, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
