package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the solo library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Error Naming Convention:
//   - Use descriptive names with Err prefix
//   - Group by component (Instance, Store, Validation, etc.)
//   - Use consistent messages across similar error types

// Instance errors - Public API errors returned by the Instance component.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrStoreRequired is returned when a required KV store is nil.
	ErrStoreRequired = errors.New("KV store is required")

	// ErrAlreadyStarted is returned when Start is called on an already running instance.
	ErrAlreadyStarted = errors.New("instance already started")

	// ErrNotStarted is returned when operations require a started instance.
	ErrNotStarted = errors.New("instance not started")

	// ErrElectionFailed is returned when leader election fails.
	ErrElectionFailed = errors.New("leader election failed")

	// ErrIDClaimFailed is returned when stable instance ID claiming fails.
	ErrIDClaimFailed = errors.New("failed to claim stable instance ID")

	// ErrConnectivity indicates a NATS/KV connectivity issue.
	// This is used to distinguish network failures from application errors.
	ErrConnectivity = errors.New("connectivity issue")
)

// Validation errors - returned before any store interaction.
var (
	// ErrInvalidName is returned when a service name, instance ID or group ID is malformed.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidTTL is returned when a TTL is zero or negative.
	ErrInvalidTTL = errors.New("TTL must be positive")

	// ErrInvalidStatus is returned when a status value is not recognized.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidInstance is returned when a ServiceInstance fails validation.
	ErrInvalidInstance = errors.New("invalid service instance")
)

// Store errors - returned by KVStore implementations.
var (
	// ErrKeyNotFound is returned when a key does not exist in the store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrConflict matches every *ConflictError via errors.Is.
	ErrConflict = errors.New("write conflict")

	// ErrWatcherFailed is returned when a store watch cannot be established or breaks.
	ErrWatcherFailed = errors.New("watcher operation failed")

	// ErrNoKeysFound is returned when NATS KV returns no keys (expected condition).
	ErrNoKeysFound = errors.New("no keys found")
)

// Common errors - Shared errors used across multiple components.
var (
	// ErrContextCanceled is returned when an operation is canceled by context.
	ErrContextCanceled = errors.New("operation canceled by context")
)

// ConflictReason describes why a conditional write was rejected.
type ConflictReason string

const (
	// ConflictKeyExists means a create-only write found the key present.
	ConflictKeyExists ConflictReason = "key exists"

	// ConflictKeyMissing means an update-only write found no key.
	ConflictKeyMissing ConflictReason = "key missing"

	// ConflictRevisionMismatch means the expected revision did not match the stored one.
	ConflictRevisionMismatch ConflictReason = "revision mismatch"
)

// ConflictError is returned by KVStore.Put and KVStore.Delete when a
// conditional write loses its precondition. Callers branch on it with
// errors.As instead of inspecting error strings.
type ConflictError struct {
	Key    string
	Reason ConflictReason
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on key %q: %s", e.Key, e.Reason)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError creates a ConflictError for key with the given reason.
func NewConflictError(key string, reason ConflictReason) *ConflictError {
	return &ConflictError{Key: key, Reason: reason}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNoKeysFoundError checks if an error indicates that no keys were found in NATS KV.
//
// This function handles NATS-specific "no keys found" errors which may come as:
//   - Direct error: "nats: no keys found"
//   - Wrapped error: "failed to list KV keys: nats: no keys found"
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
