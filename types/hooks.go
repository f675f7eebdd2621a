package types

import "context"

// Hooks defines callbacks for Instance lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so they never block heartbeats or failover. Hooks receive the instance's
// lifecycle context which will be cancelled during shutdown.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - The context passed to hooks is cancelled when the instance stops
//   - Hook errors are logged but don't fail instance operations
//
// Example:
//
//	hooks := &solo.Hooks{
//	    OnActiveChanged: func(ctx context.Context, active bool) error {
//	        if active {
//	            return startProcessing(ctx)
//	        }
//	        return pauseProcessing(ctx)
//	    },
//	}
type Hooks struct {
	// OnActiveChanged is called when this instance gains (true) or loses (false)
	// leadership of its sticky-active group.
	OnActiveChanged func(ctx context.Context, active bool) error

	// OnLeaderChanged is called when the observed group leader changes.
	// leader is empty when the group has no leader.
	OnLeaderChanged func(ctx context.Context, leader InstanceID) error

	// OnError is called when a background error occurs, including fatal
	// failover monitor failures.
	OnError func(ctx context.Context, err error) error
}
