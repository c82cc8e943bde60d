package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCodeError(t *testing.T) {
	t.Run("WrapMsg keeps code and appends detail", func(t *testing.T) {
		err := ErrNotFound.WrapMsg("message not found", "messageId", 42)

		require.True(t, errors.Is(err, ErrNotFound))
		require.False(t, errors.Is(err, ErrAccessDenied))
		require.Equal(t, RecordNotFoundError, Code(err))
		require.Contains(t, err.Error(), "messageId=42")
		require.Empty(t, ErrNotFound.Detail, "sentinel must not be mutated")
	})

	t.Run("code survives extra wrapping", func(t *testing.T) {
		err := fmt.Errorf("send: %w", ErrAccessDenied.WrapMsg("not a member"))

		require.True(t, errors.Is(err, ErrAccessDenied))
		ce, ok := AsCodeError(err)
		require.True(t, ok)
		require.Equal(t, "not a member", ce.Detail)
	})

	t.Run("relation maps child codes to parent", func(t *testing.T) {
		require.True(t, errors.Is(ErrTokenExpired.Wrap(), ErrTokenInvalid))
		require.False(t, errors.Is(ErrTokenInvalid.Wrap(), ErrTokenExpired))
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		require.Equal(t, ServerInternalError, Code(New("boom")))
		require.Equal(t, 0, Code(nil))
	})

	t.Run("only dependency failures are retryable", func(t *testing.T) {
		require.True(t, Retryable(ErrDependencyUnavailable.WrapMsg("mongo down")))
		require.False(t, Retryable(ErrInvalidState.Wrap()))
	})
}

func TestToString(t *testing.T) {
	require.Equal(t, "a", toString("a", nil))
	require.Equal(t, "a, k=v, n=1", toString("a", []any{"k", "v", "n", 1}))
	require.Equal(t, "a, odd=MISSING", toString("a", []any{"odd"}))
}

func TestErrPanic(t *testing.T) {
	require.NoError(t, ErrPanic(nil))
	err := ErrPanic("kaboom")
	require.Equal(t, ServerInternalError, Code(err))
	require.Contains(t, err.Error(), "kaboom")
}

func TestDependency(t *testing.T) {
	require.NoError(t, Dependency(nil, "x"))

	biz := ErrNotFound.WrapMsg("conversation")
	require.Equal(t, biz, Dependency(biz, "load conversation"))

	err := Dependency(fmt.Errorf("connection refused"), "load conversation", "id", 1)
	require.True(t, errors.Is(err, ErrDependencyUnavailable))
	require.Contains(t, err.Error(), "connection refused")
}
