package types

import (
	"fmt"
	"regexp"
)

// namePattern is shared by every identifier that becomes a KV key segment.
// Dots are excluded because they separate key tokens.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ServiceName identifies a logical service.
type ServiceName string

// InstanceID identifies one running process of a service.
type InstanceID string

// GroupID names a sticky-active group inside a service. Exactly one
// instance per (service, group) may be active at a time.
type GroupID string

// DefaultGroupID is used when no group is configured.
const DefaultGroupID GroupID = "default"

// NewServiceName validates s and returns it as a ServiceName.
func NewServiceName(s string) (ServiceName, error) {
	if err := validateName("service name", s); err != nil {
		return "", err
	}

	return ServiceName(s), nil
}

// NewInstanceID validates s and returns it as an InstanceID.
func NewInstanceID(s string) (InstanceID, error) {
	if err := validateName("instance ID", s); err != nil {
		return "", err
	}

	return InstanceID(s), nil
}

// NewGroupID validates s and returns it as a GroupID.
func NewGroupID(s string) (GroupID, error) {
	if err := validateName("group ID", s); err != nil {
		return "", err
	}

	return GroupID(s), nil
}

// Validate checks the service name format.
func (s ServiceName) Validate() error { return validateName("service name", string(s)) }

// Validate checks the instance ID format.
func (i InstanceID) Validate() error { return validateName("instance ID", string(i)) }

// Validate checks the group ID format.
func (g GroupID) Validate() error { return validateName("group ID", string(g)) }

func (s ServiceName) String() string { return string(s) }
func (i InstanceID) String() string  { return string(i) }
func (g GroupID) String() string     { return string(g) }

func validateName(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidName, kind)
	}
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalidName, kind, s, namePattern.String())
	}

	return nil
}
