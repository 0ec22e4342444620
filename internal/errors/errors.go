// Package errors provides structured error types for the event daemon.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrConnClosed     = errors.New("connection closed")
	ErrNotConnected   = errors.New("not connected")
	ErrQueueFull      = errors.New("outbound queue full")
	ErrBusClosed      = errors.New("event bus closed")
	ErrTimeout        = errors.New("operation timed out")
	ErrGiveUp         = errors.New("reconnect attempts exhausted")
	ErrInvalidMessage = errors.New("invalid protocol message")
)

// ConnError wraps a transport-level failure on one connection.
type ConnError struct {
	ConnID string
	Op     string // "read", "write", "dial", "close"
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("conn %s: %s failed: %v", e.ConnID, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// NewConnError creates a connection error.
func NewConnError(connID, op string, err error) *ConnError {
	return &ConnError{ConnID: connID, Op: op, Err: err}
}

// IsRetryable returns true if the error is likely transient and the caller
// should reconnect rather than give up. Protocol violations and exhausted
// retries are terminal.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrGiveUp) || errors.Is(err, ErrInvalidMessage) {
		return false
	}
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnClosed) || errors.Is(err, ErrNotConnected)
}
