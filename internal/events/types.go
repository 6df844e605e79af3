package events

import (
	"strings"
	"time"
)

// Event is the typed envelope carried by the bus. Type is "<namespace>.<verb>".
type Event struct {
	Type      string
	Data      any
	Timestamp time.Time
}

// Namespace returns the part of Type before the first dot.
func (e Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Type, ".")
	return ns
}

// Topic patterns subscribed by the engine.
const (
	PatternProject = "project.*"
	PatternTask    = "task.*"
	PatternTasks   = "tasks.*"
	PatternAgent   = "agent.*"
	PatternQuality = "quality.*"
	PatternService = "service.*"
	PatternSystem  = "system.*"
	PatternAll     = "*"
)

// Event type constants
const (
	ProjectCreated   = "project.created"
	ProjectPlanned   = "project.planned"
	ProjectStarted   = "project.started"
	ProjectPaused    = "project.paused"
	ProjectResumed   = "project.resumed"
	ProjectCompleted = "project.completed"
	ProjectFailed    = "project.failed"

	TasksReady = "tasks.ready"

	TaskAssigned         = "task.assigned"
	TaskStarted          = "task.started"
	TaskCompleted        = "task.completed"
	TaskFailed           = "task.failed"
	TaskAssignmentFailed = "task.assignment_failed"

	AgentAvailable = "agent.available"

	QualityAssessed   = "quality.assessed"
	QualityGateFailed = "quality.gate_failed"

	ServiceError     = "service.error"
	ServiceRestarted = "service.restarted"

	SystemHealth  = "system.health"
	SystemMetrics = "system.metrics"
	SystemLoad    = "system.load"
)

// Match reports whether an event type matches a topic pattern.
// "*" alone matches everything; otherwise segments are compared one by one
// and a "*" segment matches exactly one segment of the type.
func Match(pattern, eventType string) bool {
	if pattern == PatternAll {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(eventType, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}
