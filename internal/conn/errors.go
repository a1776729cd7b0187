package conn

import (
	"errors"
	"fmt"

	"driverlink/internal/model"
)

var (
	ErrNotConnected = errors.New("conn: not connected")
	ErrAlreadyOpen  = errors.New("conn: session already open")
	ErrClosed       = errors.New("conn: manager stopped")
)

// NetworkUnavailableError means the device has no usable network. Attempts
// are suspended until reachability returns.
type NetworkUnavailableError struct {
	State model.NetworkState
}

func (e *NetworkUnavailableError) Error() string {
	return fmt.Sprintf("network unavailable (type=%s)", e.State.TransportType)
}

// ConnectionError is a transient dial or handshake failure.
type ConnectionError struct {
	Attempt uint
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the server rejected the worker identity. It is terminal.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication rejected (%d): %s", e.Status, e.Reason)
	}
	return "authentication rejected: " + e.Reason
}

// StaleTransportError is the reason the heartbeat gives for a forced
// reconnect.
type StaleTransportError struct {
	SessionID string
	Missed    uint
}

func (e *StaleTransportError) Error() string {
	return fmt.Sprintf("stale transport on session %s: %d pongs missed", e.SessionID, e.Missed)
}
