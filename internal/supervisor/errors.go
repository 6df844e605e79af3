package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownService is returned for a service or dependency name that was never registered.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidState is returned when an operation is not valid for the service's current state.
	ErrInvalidState = errors.New("invalid service state")

	// ErrDependencyNotRunning is matched by DependencyNotRunningError via errors.Is.
	ErrDependencyNotRunning = errors.New("dependency not running")

	// ErrStopTimeout is returned by StopAll when the deadline elapses before every stop returns.
	ErrStopTimeout = errors.New("timed out stopping services")

	// ErrRestartDisabled is returned by a Restarter whose policy is disabled.
	ErrRestartDisabled = errors.New("auto-restart disabled")
)

// DependencyNotRunningError aborts bootstrap when a declared dependency is not running.
type DependencyNotRunningError struct {
	Service    string
	Dependency string
	State      State
}

func (e *DependencyNotRunningError) Error() string {
	return fmt.Sprintf("service %q: dependency %q is not running (state %s)", e.Service, e.Dependency, e.State)
}

func (e *DependencyNotRunningError) Is(target error) bool {
	return target == ErrDependencyNotRunning
}

// ServiceStartError records a failure raised by a service's own construction or start routine.
type ServiceStartError struct {
	Service string
	Err     error
}

func (e *ServiceStartError) Error() string {
	return fmt.Sprintf("starting service %q: %v", e.Service, e.Err)
}

func (e *ServiceStartError) Unwrap() error { return e.Err }
