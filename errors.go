package pollsocket

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed            = errors.New("pollsocket: connection closed")
	ErrNoTransport       = errors.New("pollsocket: transport not created")
	ErrContextExists     = errors.New("pollsocket: context already created")
	ErrInvalidURI        = errors.New("pollsocket: invalid websocket uri")
	ErrUnsupportedScheme = errors.New("pollsocket: unsupported scheme")
	ErrAlreadyConnected  = errors.New("pollsocket: connection already has a session")
	ErrPayloadTooLarge   = errors.New("pollsocket: payload too large")
	ErrQueueFull         = errors.New("pollsocket: send queue full")
	ErrInvalidHeader     = errors.New("pollsocket: invalid handshake header")
	ErrHeaderSpace       = errors.New("pollsocket: handshake header buffer full")
	ErrShortBuffer       = errors.New("pollsocket: write buffer missing frame padding")
)

// ConnectionError represents a connection-level error.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("pollsocket: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("pollsocket: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ContextError represents a failure creating or tearing down the transport.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("pollsocket: context %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}
