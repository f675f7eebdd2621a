package solo

import "github.com/arloliu/solo/types"

// Re-export types from the types package.
//
// Internal packages depend on types rather than on the root package; the
// aliases keep solo.Logger, solo.Hooks and friends available to users.
type (
	ServiceName     = types.ServiceName
	InstanceID      = types.InstanceID
	GroupID         = types.GroupID
	ServiceInstance = types.ServiceInstance
	ServiceStatus   = types.ServiceStatus
	StickyStatus    = types.StickyStatus
)

// Re-export interfaces from the types package for convenience.
type (
	KVStore          = types.KVStore
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export status constants from the types package.
const (
	StatusActive    = types.StatusActive
	StatusStandby   = types.StatusStandby
	StatusUnhealthy = types.StatusUnhealthy
	StatusShutdown  = types.StatusShutdown
)
