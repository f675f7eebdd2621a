package types

import (
	"fmt"
	"maps"
	"time"
)

// ServiceStatus is the health status an instance advertises in the registry.
type ServiceStatus string

const (
	// StatusActive means the instance serves traffic (and, in a sticky group, holds leadership).
	StatusActive ServiceStatus = "ACTIVE"

	// StatusStandby means the instance is healthy but not the group leader.
	StatusStandby ServiceStatus = "STANDBY"

	// StatusUnhealthy means the instance reported itself as degraded.
	StatusUnhealthy ServiceStatus = "UNHEALTHY"

	// StatusShutdown means the instance is stopping.
	StatusShutdown ServiceStatus = "SHUTDOWN"
)

// Valid reports whether s is a known status.
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusStandby, StatusUnhealthy, StatusShutdown:
		return true
	default:
		return false
	}
}

// IsHealthy reports whether the status is eligible for traffic.
func (s ServiceStatus) IsHealthy() bool {
	return s == StatusActive || s == StatusStandby
}

// StickyStatus is the role an instance holds inside its sticky-active group.
type StickyStatus string

const (
	// StickyNone means the instance does not participate in a sticky group.
	StickyNone StickyStatus = ""

	// StickyActive marks the group leader.
	StickyActive StickyStatus = "ACTIVE"

	// StickyStandby marks a non-leader member.
	StickyStandby StickyStatus = "STANDBY"
)

// Valid reports whether s is a known sticky status.
func (s StickyStatus) Valid() bool {
	return s == StickyNone || s == StickyActive || s == StickyStandby
}

// ServiceInstance is the registry record of one running instance.
type ServiceInstance struct {
	ServiceName        ServiceName
	InstanceID         InstanceID
	Version            string
	Status             ServiceStatus
	LastHeartbeat      time.Time
	Metadata           map[string]string
	StickyActiveGroup  GroupID
	StickyActiveStatus StickyStatus
}

// Validate checks every field that ends up in a KV key or is interpreted by discovery.
//
// Returns:
//   - error: wraps ErrInvalidInstance with the offending field, nil when valid
func (s *ServiceInstance) Validate() error {
	if err := s.ServiceName.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInstance, err)
	}
	if err := s.InstanceID.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInstance, err)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidInstance, ErrInvalidStatus, s.Status)
	}
	if !s.StickyActiveStatus.Valid() {
		return fmt.Errorf("%w: %w: sticky status %q", ErrInvalidInstance, ErrInvalidStatus, s.StickyActiveStatus)
	}
	if s.StickyActiveGroup != "" {
		if err := s.StickyActiveGroup.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInstance, err)
		}
	}

	return nil
}

// Touch advances LastHeartbeat to now. LastHeartbeat never moves backwards.
func (s *ServiceInstance) Touch(now time.Time) {
	if now.After(s.LastHeartbeat) {
		s.LastHeartbeat = now
	}
}

// IsStickyActive reports whether the instance is the leader of its sticky group.
func (s *ServiceInstance) IsStickyActive() bool {
	return s.StickyActiveGroup != "" && s.StickyActiveStatus == StickyActive
}

// Clone returns a deep copy.
func (s ServiceInstance) Clone() ServiceInstance {
	s.Metadata = maps.Clone(s.Metadata)

	return s
}
