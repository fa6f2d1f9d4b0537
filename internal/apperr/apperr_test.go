package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindPersistence, "op", nil))
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("outer: %w", Wrap(KindPersistence, "store.put", base))

	assert.Equal(t, KindPersistence, KindOf(err))
	assert.True(t, Is(err, KindPersistence))
	assert.False(t, Is(err, KindTimeout))
	assert.ErrorIs(t, err, base)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestErrorString(t *testing.T) {
	err := Validation("session.configure", "temperature must be between %d and %d", 0, 1)
	assert.Equal(t, "session.configure: validation: temperature must be between 0 and 1", err.Error())

	wrapped := &Error{Kind: KindTimeout, Message: "generation", Err: errors.New("deadline")}
	assert.Equal(t, "timeout: generation: deadline", wrapped.Error())
}

func TestFromBackend(t *testing.T) {
	assert.NoError(t, FromBackend("op", nil))

	err := FromBackend("generate", fmt.Errorf("request failed: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(err))

	err = FromBackend("generate", errors.New("connection refused"))
	assert.Equal(t, KindBackendUnavailable, KindOf(err))

	kinded := New(KindValidation, "op", "bad")
	assert.Same(t, kinded, FromBackend("generate", kinded))
}
