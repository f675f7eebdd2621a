package election

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/solo/types"
)

// ErrInvalidTransition is returned when a state machine transition is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("invalid election transition")

// Status is the election status of one instance within its group.
type Status int

const (
	// StatusNotStarted is the initial status before the first election.
	StatusNotStarted Status = iota

	// StatusElecting means an acquisition attempt is in flight.
	StatusElecting

	// StatusActive means this instance holds the group lease.
	StatusActive

	// StatusStandby means another instance (or nobody yet) holds the lease.
	StatusStandby
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusElecting:
		return "ELECTING"
	case StatusActive:
		return "ACTIVE"
	case StatusStandby:
		return "STANDBY"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[Status][]Status{
	StatusNotStarted: {StatusElecting},
	StatusElecting:   {StatusActive, StatusStandby},
	StatusActive:     {StatusStandby},
	StatusStandby:    {StatusElecting},
}

// StickyActiveElection is the election state of one instance in one group.
//
// It holds no I/O and no locks; the owner serializes calls. Leadership is
// derived from the status, so IsLeader() == (Status() == StatusActive) always holds.
type StickyActiveElection struct {
	service  types.ServiceName
	instance types.InstanceID
	group    types.GroupID

	status         Status
	leaderID       types.InstanceID
	lastTransition time.Time
	transitions    uint64
}

// NewStickyActiveElection validates the identifiers and returns an aggregate
// in StatusNotStarted.
//
// Parameters:
//   - service: Service name
//   - instance: This instance's ID
//   - group: Sticky-active group
//
// Returns:
//   - *StickyActiveElection: New aggregate
//   - error: types.ErrInvalidName if any identifier is malformed
func NewStickyActiveElection(service types.ServiceName, instance types.InstanceID, group types.GroupID) (*StickyActiveElection, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}
	if err := instance.Validate(); err != nil {
		return nil, err
	}
	if err := group.Validate(); err != nil {
		return nil, err
	}

	return &StickyActiveElection{
		service:  service,
		instance: instance,
		group:    group,
		status:   StatusNotStarted,
	}, nil
}

// StartElection moves NOT_STARTED or STANDBY to ELECTING.
func (e *StickyActiveElection) StartElection() error {
	return e.transition(StatusElecting)
}

// WinElection moves ELECTING to ACTIVE and records this instance as leader.
func (e *StickyActiveElection) WinElection() error {
	if err := e.transition(StatusActive); err != nil {
		return err
	}
	e.leaderID = e.instance

	return nil
}

// LoseElection moves ELECTING to STANDBY. leader is the observed holder, or
// empty if unknown.
func (e *StickyActiveElection) LoseElection(leader types.InstanceID) error {
	if err := e.transition(StatusStandby); err != nil {
		return err
	}
	e.leaderID = leader

	return nil
}

// StepDown moves ACTIVE to STANDBY after leadership was lost or released.
func (e *StickyActiveElection) StepDown() error {
	if err := e.transition(StatusStandby); err != nil {
		return err
	}
	if e.leaderID == e.instance {
		e.leaderID = ""
	}

	return nil
}

// ObserveLeader records the current holder seen from outside the state machine.
// It never changes the status.
func (e *StickyActiveElection) ObserveLeader(leader types.InstanceID) {
	if e.status == StatusActive {
		return
	}
	e.leaderID = leader
}

// Status returns the current status.
func (e *StickyActiveElection) Status() Status { return e.status }

// IsLeader reports whether this instance is ACTIVE.
func (e *StickyActiveElection) IsLeader() bool { return e.status == StatusActive }

// LeaderID returns the last known leader of the group.
func (e *StickyActiveElection) LeaderID() types.InstanceID { return e.leaderID }

// ServiceName returns the service name.
func (e *StickyActiveElection) ServiceName() types.ServiceName { return e.service }

// InstanceID returns this instance's ID.
func (e *StickyActiveElection) InstanceID() types.InstanceID { return e.instance }

// GroupID returns the sticky-active group.
func (e *StickyActiveElection) GroupID() types.GroupID { return e.group }

// LastTransition returns the time of the last successful transition.
func (e *StickyActiveElection) LastTransition() time.Time { return e.lastTransition }

// Transitions returns how many transitions have been applied.
func (e *StickyActiveElection) Transitions() uint64 { return e.transitions }

func (e *StickyActiveElection) transition(to Status) error {
	if !isValidTransition(e.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.status, to)
	}
	e.status = to
	e.lastTransition = time.Now()
	e.transitions++

	return nil
}

func isValidTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}
