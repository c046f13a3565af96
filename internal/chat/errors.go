package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent matches any *InvalidEventError.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrDataInconsistency matches any *DataInconsistencyError.
	ErrDataInconsistency = errors.New("data inconsistency")
	// ErrStoreUnavailable matches any *StoreUnavailableError.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidEventError reports a malformed or incomplete event. Such events are
// dropped, never retried.
type InvalidEventError struct {
	MessageID string
	Reason    string
}

func (e *InvalidEventError) Error() string {
	if e.MessageID == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event %s: %s", e.MessageID, e.Reason)
}

func (e *InvalidEventError) Is(target error) bool { return target == ErrInvalidEvent }

// DataInconsistencyError reports store state that contradicts an invariant.
// It is surfaced and never repaired automatically.
type DataInconsistencyError struct {
	Key    string
	Reason string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("data inconsistency at %s: %s", e.Key, e.Reason)
}

func (e *DataInconsistencyError) Is(target error) bool { return target == ErrDataInconsistency }

// StoreUnavailableError wraps a transient backing-store failure. Callers
// retry with backoff.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }
