package requestid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsure_MintsWhenAbsent(t *testing.T) {
	ctx, id := Ensure(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestEnsure_AdoptsCandidate(t *testing.T) {
	ctx, id := Ensure(context.Background(), "req-42")
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "req-42", FromContext(ctx))
}

func TestEnsure_ExistingWins(t *testing.T) {
	ctx := WithRequestID(context.Background(), "original")
	ctx, id := Ensure(ctx, "intruder")
	assert.Equal(t, "original", id)
	assert.Equal(t, "original", FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
}
