package puller

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyRunning   = errors.New("pull already running")
	ErrConsistency      = errors.New("pull status inconsistent")
	ErrTimeout          = errors.New("pull stop timed out")
	ErrEndpointConflict = errors.New("subscription bound to another endpoint")
)

// AlreadyRunningError is returned by Start when a loop is active for the pair.
type AlreadyRunningError struct {
	Endpoint     string
	Subscription string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("pull for subscription %q on %s is already running", e.Subscription, e.Endpoint)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// ConsistencyError reports that process memory and the persisted status
// record disagree about whether a loop is running.
type ConsistencyError struct {
	Subscription string
	Local        string
	Persisted    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("subscription %q: local state %s but persisted status %s", e.Subscription, e.Local, e.Persisted)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// TimeoutError is returned by Stop when the loop does not quiesce in time.
type TimeoutError struct {
	Subscription string
	After        time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("subscription %q did not stop within %s", e.Subscription, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// EndpointConflictError is returned by GetOrCreate when the subscription
// already has a puller on a different endpoint.
type EndpointConflictError struct {
	Subscription string
	Endpoint     string
	Existing     string
}

func (e *EndpointConflictError) Error() string {
	return fmt.Sprintf("subscription %q is already pulled from %s, cannot also pull it from %s", e.Subscription, e.Existing, e.Endpoint)
}

func (e *EndpointConflictError) Is(target error) bool { return target == ErrEndpointConflict }
