package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesOnCode(t *testing.T) {
	err := Wrap(CodeNotAuthorized, "user u3 is not in conversation", errors.New("boom"))

	assert.True(t, errors.Is(err, ErrNotAuthorized))
	assert.False(t, errors.Is(err, ErrConversationNotFound))

	wrapped := fmt.Errorf("history: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotAuthorized))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeUnavailable, CodeOf(fmt.Errorf("x: %w", Unavailable(errors.New("db down")))))
	assert.Equal(t, CodeInvalidPayload, CodeOf(InvalidPayload("missing identity key")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "storage unavailable: db down", Unavailable(errors.New("db down")).Error())
	assert.Equal(t, "conversation not found", ErrConversationNotFound.Error())
}
