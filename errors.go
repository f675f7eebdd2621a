package solo

import (
	"errors"

	"github.com/arloliu/solo/types"
)

// Sentinel errors returned by the Instance.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrStoreRequired is returned when a KV store is missing.
	ErrStoreRequired = types.ErrStoreRequired

	// ErrNATSConnectionRequired is returned when a NATS connection is nil.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrAlreadyStarted is returned when Start is called on a running or stopped instance.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when Stop is called on an instance that is not running.
	ErrNotStarted = types.ErrNotStarted

	// ErrElectionFailed is returned when the startup election could not reach the store.
	ErrElectionFailed = types.ErrElectionFailed

	// ErrIDClaimFailed is returned when stable ID claiming fails.
	ErrIDClaimFailed = types.ErrIDClaimFailed

	// ErrRegistrationFailed is returned when the initial registry write fails.
	ErrRegistrationFailed = errors.New("service registration failed")
)
