package hooks

import (
	"context"

	"github.com/arloliu/solo/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, bool) error             = (*NopHooks)(nil).OnActiveChanged
	_ func(context.Context, types.InstanceID) error = (*NopHooks)(nil).OnLeaderChanged
	_ func(context.Context, error) error            = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnActiveChanged: h.OnActiveChanged,
		OnLeaderChanged: h.OnLeaderChanged,
		OnError:         h.OnError,
	}
}

// Merge returns h with every nil callback replaced by a no-op.
func Merge(h *types.Hooks) types.Hooks {
	out := NewNop()
	if h == nil {
		return out
	}
	if h.OnActiveChanged != nil {
		out.OnActiveChanged = h.OnActiveChanged
	}
	if h.OnLeaderChanged != nil {
		out.OnLeaderChanged = h.OnLeaderChanged
	}
	if h.OnError != nil {
		out.OnError = h.OnError
	}

	return out
}

// OnActiveChanged is a no-op implementation.
func (h *NopHooks) OnActiveChanged(_ context.Context, _ bool) error {
	return nil
}

// OnLeaderChanged is a no-op implementation.
func (h *NopHooks) OnLeaderChanged(_ context.Context, _ types.InstanceID) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
