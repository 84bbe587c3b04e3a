package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := ErrNotFoundError.WithResource("bucket/key")
	assert.True(t, errors.Is(err, ErrNotFoundError))
	assert.False(t, errors.Is(err, ErrUnavailableError))

	wrapped := fmt.Errorf("get object: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFoundError))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "NotFound: The specified object does not exist", ErrNotFoundError.Error())
	assert.Equal(t,
		"NotFound: The specified object does not exist (resource: b/k)",
		ErrNotFoundError.WithResource("b/k").Error())
}

func TestWithResourceCopies(t *testing.T) {
	annotated := ErrTimeoutError.WithResource("node-3")
	assert.Equal(t, "", ErrTimeoutError.Resource)
	assert.Equal(t, "node-3", annotated.Resource)
	assert.Equal(t, 504, annotated.StatusCode)
}
