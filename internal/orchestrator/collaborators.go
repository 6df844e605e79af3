package orchestrator

import (
	"context"

	"github.com/aristath/controlplane/internal/agents"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/scheduler"
	"github.com/aristath/controlplane/internal/supervisor"
)

// Storage is the durable store the engine writes through.
type Storage interface {
	SaveProject(ctx context.Context, p *project.Project) error
	LoadProject(ctx context.Context, id string) (*project.Project, error)
	LoadAllProjects(ctx context.Context) ([]*project.Project, error)
	SaveSystemHealth(ctx context.Context, h supervisor.SystemHealth) error
	SaveServiceData(ctx context.Context, key string, value any) error
}

// TaskGraph is the task-graph provider.
type TaskGraph interface {
	RegisterGraph(ctx context.Context, projectID string, nodes []scheduler.TaskNode) error
	Restore(ctx context.Context, projectID string) (bool, error)
	FindReadyTasks(ctx context.Context, projectID string) ([]scheduler.TaskNode, error)
	MarkCompleted(ctx context.Context, projectID, taskID string, quality float64) (gateBlocked bool, err error)
	RecordQuality(ctx context.Context, projectID, taskID string, quality float64) (gateBlocked bool, err error)
	MarkFailed(ctx context.Context, projectID, taskID string, maxRetries int) (exhausted bool, err error)
	Reopen(ctx context.Context, projectID, taskID string, maxRetries int) (exhausted bool, err error)
	IsComplete(ctx context.Context, projectID string) (bool, error)
	QualityOverview(ctx context.Context, projectID string) (scheduler.QualityOverview, error)
}

// AgentPool is the agent-pool provider.
type AgentPool interface {
	AvailableAgents(ctx context.Context) []agents.Agent
	CanHandle(ctx context.Context, agentID string, task scheduler.TaskNode) bool
	CapabilityScore(ctx context.Context, agentID string, task scheduler.TaskNode) float64
	AssignTask(ctx context.Context, task scheduler.TaskNode, agentID string) agents.AssignResult
	Release(ctx context.Context, agentID string) error
}

// PerformanceTracker supplies agent weights.
type PerformanceTracker interface {
	Weight(ctx context.Context, agentID string) float64
	Record(ctx context.Context, agentID string, out agents.Outcome)
	GlobalMetrics(ctx context.Context) agents.GlobalMetrics
}

// Planner derives a task graph from requirements.
type Planner func(req project.Requirements, cfg project.Config) ([]scheduler.TaskNode, error)

// Service names the engine resolves collaborators by.
const (
	ServiceStorage = "storage"
	ServiceTracker = "performance-tracker"
	ServicePool    = "agent-pool"
	ServiceGraph   = "task-graph"
)

// graphService returns the running task-graph provider.
func (e *Engine) graphService() (TaskGraph, bool) {
	svc, ok := e.sup.Instance(ServiceGraph)
	if !ok {
		return nil, false
	}
	g, ok := svc.(TaskGraph)
	return g, ok
}

func (e *Engine) poolService() (AgentPool, bool) {
	svc, ok := e.sup.Instance(ServicePool)
	if !ok {
		return nil, false
	}
	p, ok := svc.(AgentPool)
	return p, ok
}

func (e *Engine) trackerService() (PerformanceTracker, bool) {
	svc, ok := e.sup.Instance(ServiceTracker)
	if !ok {
		return nil, false
	}
	t, ok := svc.(PerformanceTracker)
	return t, ok
}
