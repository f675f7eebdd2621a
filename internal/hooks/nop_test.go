package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/types"
)

func TestNewNop(t *testing.T) {
	hooks := NewNop()
	ctx := t.Context()

	require.NotNil(t, hooks.OnActiveChanged)
	require.NotNil(t, hooks.OnLeaderChanged)
	require.NotNil(t, hooks.OnError)

	require.NoError(t, hooks.OnActiveChanged(ctx, true))
	require.NoError(t, hooks.OnLeaderChanged(ctx, "orders-1"))
	require.NoError(t, hooks.OnError(ctx, context.Canceled))
}

func TestMerge(t *testing.T) {
	t.Run("nil hooks", func(t *testing.T) {
		h := Merge(nil)
		require.NotNil(t, h.OnActiveChanged)
		require.NotNil(t, h.OnError)
	})

	t.Run("keeps provided callbacks", func(t *testing.T) {
		sentinel := errors.New("custom")
		h := Merge(&types.Hooks{
			OnError: func(context.Context, error) error { return sentinel },
		})

		require.ErrorIs(t, h.OnError(t.Context(), nil), sentinel)
		require.NoError(t, h.OnActiveChanged(t.Context(), false))
		require.NoError(t, h.OnLeaderChanged(t.Context(), ""))
	})
}
