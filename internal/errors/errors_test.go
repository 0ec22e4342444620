package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnError_Unwrap(t *testing.T) {
	inner := errors.New("broken pipe")
	err := NewConnError("c-1", "write", inner)

	assert.Contains(t, err.Error(), "c-1")
	assert.Contains(t, err.Error(), "write")
	assert.ErrorIs(t, err, inner)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrConnClosed))
	assert.True(t, IsRetryable(ErrNotConnected))
	assert.True(t, IsRetryable(NewConnError("c-1", "dial", errors.New("refused"))))

	assert.False(t, IsRetryable(ErrGiveUp))
	assert.False(t, IsRetryable(ErrInvalidMessage))
	assert.False(t, IsRetryable(errors.New("generic")))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("session: %w", NewConnError("c-2", "read", errors.New("reset")))
	assert.True(t, IsRetryable(err))

	err = fmt.Errorf("%w after 10 attempts", ErrGiveUp)
	assert.False(t, IsRetryable(err))
}
