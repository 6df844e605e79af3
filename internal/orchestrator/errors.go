package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrProjectNotFound is returned for an unknown project ID.
	ErrProjectNotFound = errors.New("project not found")
	// ErrInvalidTransition is returned when a lifecycle call is not legal
	// from the project's current status.
	ErrInvalidTransition = errors.New("invalid project transition")
	// ErrShutdownTimeout is returned when services did not stop in time.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrNotStarted is returned by operations that need a started engine.
	ErrNotStarted = errors.New("engine not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrInvalidConfig is returned for project settings outside their ranges.
	ErrInvalidConfig = errors.New("invalid project config")
	// ErrServiceUnavailable is returned when a required collaborator is not running.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// PlanningError reports that a project could not be planned. The project
// has been marked failed.
type PlanningError struct {
	ProjectID string
	Err       error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning project %s: %v", e.ProjectID, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }
