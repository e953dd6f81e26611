package mesh

import (
	"errors"
	"fmt"
)

var (
	errNotFound             = errors.New("NotFound")
	errConflict             = errors.New("Conflict")
	errTransportUnavailable = errors.New("TransportUnavailable")
	errMalformedMessage     = errors.New("MalformedMessage")
	errInternal             = errors.New("Internal")
)

// NotFound creates a new notfound error with a given error message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errNotFound, fmt.Sprintf(format, args...))
}

// IsNotFound checks if an error is a notfound error.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// Conflict creates a new conflict error with a given error message.
// It indicates that an entity was modified concurrently and the operation
// needs to be retried with a fresh read.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errConflict, fmt.Sprintf(format, args...))
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, errConflict)
}

// TransportUnavailable creates an error indicating that the registry or the
// message channel cannot be reached at the moment. Such errors are retried
// on the next reconcile tick and are never fatal.
func TransportUnavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errTransportUnavailable, fmt.Sprintf(format, args...))
}

// IsTransportUnavailable checks if an error is a transport unavailable error.
func IsTransportUnavailable(err error) bool {
	return errors.Is(err, errTransportUnavailable)
}

// MalformedMessage creates an error indicating an unparseable inbound message.
func MalformedMessage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errMalformedMessage, fmt.Sprintf(format, args...))
}

// IsMalformedMessage checks if an error is a malformed message error.
func IsMalformedMessage(err error) bool {
	return errors.Is(err, errMalformedMessage)
}

// Internal creates a new internal error with a given error message and the original error.
func Internal(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", errInternal, fmt.Sprintf(format, args...), err)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	return errors.Is(err, errInternal)
}
