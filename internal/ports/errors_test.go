package ports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortErrorMatchesKindAndCause(t *testing.T) {
	err := Classification("resolve_entity", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrClassification))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrRetrieval))
	assert.Equal(t, "classification", Kind(err))
	assert.Contains(t, err.Error(), "resolve_entity")
}

func TestWrapIsIdempotentPerKind(t *testing.T) {
	inner := RetrievalFailure("search", errors.New("boom"))
	outer := RetrievalFailure("retrieve", inner)

	assert.Same(t, inner, outer)
	assert.Nil(t, Evaluation("evaluate", nil))
	assert.Equal(t, "unknown", Kind(errors.New("other")))
}
