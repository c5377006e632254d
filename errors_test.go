package flowline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("message includes details", func(t *testing.T) {
		err := NewValidationError("definition failed validation", []string{
			"graph has no End node",
			`duplicate node id "a"`,
		})
		require.Contains(t, err.Error(), "validation_error")
		require.Contains(t, err.Error(), "graph has no End node")
		require.Contains(t, err.Error(), `duplicate node id "a"`)
	})

	t.Run("code classification", func(t *testing.T) {
		err := NewError(ErrNotFound, "definition wfd_x not found")
		require.True(t, IsCode(err, ErrNotFound))
		require.False(t, IsCode(err, ErrValidation))
		require.Equal(t, ErrNotFound, CodeOf(err))
	})

	t.Run("wrapped errors classify through layers", func(t *testing.T) {
		inner := NewError(ErrImmutabilityViolation, "published content cannot change")
		outer := fmt.Errorf("publish: %w", inner)
		require.True(t, IsCode(outer, ErrImmutabilityViolation))
	})

	t.Run("plain errors classify as internal", func(t *testing.T) {
		require.Equal(t, ErrInternal, CodeOf(errors.New("boom")))
	})

	t.Run("internal error hides the cause but unwraps it", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := internalError("save definition", cause)
		require.NotContains(t, err.Error(), "connection reset")
		require.True(t, errors.Is(err, cause))
	})
}
