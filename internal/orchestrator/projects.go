package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/persistence"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/scheduler"
)

// ProjectStatus is a project with its live assignments and graph quality.
type ProjectStatus struct {
	Project     *project.Project           `json:"project"`
	Active      bool                       `json:"active"`
	Assignments []Assignment               `json:"assignments"`
	Quality     *scheduler.QualityOverview `json:"quality,omitempty"`
}

// addProject inserts p into the active set. Caller holds e.mu.
func (e *Engine) addProject(p *project.Project) {
	if _, exists := e.projects[p.ID]; !exists {
		e.projectOrder = append(e.projectOrder, p.ID)
	}
	e.projects[p.ID] = p
}

// removeProject drops id from the active set. Caller holds e.mu.
func (e *Engine) removeProject(id string) {
	delete(e.projects, id)
	e.projectOrder = slices.DeleteFunc(e.projectOrder, func(s string) bool { return s == id })
}

func (e *Engine) activeProject(id string) (*project.Project, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.projects[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (e *Engine) saveProject(ctx context.Context, p *project.Project) {
	if err := e.store.SaveProject(ctx, p); err != nil {
		e.log.Error("persisting project failed", "project", p.ID, "status", p.Status, "error", err)
	}
}

// CreateProject records a new project in planning, persists it, announces
// it and plans it. A planning failure leaves the project failed and is
// returned as a *PlanningError together with the project.
func (e *Engine) CreateProject(ctx context.Context, req project.Requirements, cfg project.Config) (*project.Project, error) {
	if !e.Started() {
		return nil, ErrNotStarted
	}
	cfg = cfg.WithDefaults(e.opts.ProjectDefaults)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	p := project.New(e.opts.NewID(), req, cfg, e.now())
	if err := e.store.SaveProject(ctx, p); err != nil {
		return nil, fmt.Errorf("saving project: %w", err)
	}

	e.mu.Lock()
	e.addProject(p.Clone())
	e.counters.TotalProjects++
	e.mu.Unlock()
	e.prom.projectsCreated.Inc()

	e.log.Info("project created", "project", p.ID, "requirements", len(req.ParsedRequirements))
	e.bus.Publish(events.ProjectCreated, events.ProjectPayload{ProjectID: p.ID, Status: string(p.Status)})

	if err := e.planProject(ctx, p.ID); err != nil {
		if latest, ok := e.lookupProject(ctx, p.ID); ok {
			p = latest
		}
		return p, err
	}
	if latest, ok := e.activeProject(p.ID); ok {
		p = latest
	}
	return p, nil
}

func (e *Engine) latestProject(ctx context.Context, id string, fallback *project.Project) *project.Project {
	if latest, ok := e.lookupProject(ctx, id); ok {
		return latest
	}
	return fallback
}

func (e *Engine) lookupProject(ctx context.Context, id string) (*project.Project, bool) {
	if p, ok := e.activeProject(id); ok {
		return p, true
	}
	p, err := e.store.LoadProject(ctx, id)
	return p, err == nil
}

// planProject derives and registers the project's task graph, then
// publishes project.planned carrying the nodes.
func (e *Engine) planProject(ctx context.Context, id string) error {
	unlock := e.projLocks.Lock(id)
	defer unlock()

	p, ok := e.activeProject(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	graph, ok := e.graphService()
	if !ok {
		return e.planningFailed(ctx, id, fmt.Errorf("%w: %s", ErrServiceUnavailable, ServiceGraph))
	}
	nodes, err := e.opts.Planner(p.Requirements, p.Config)
	if err != nil {
		return e.planningFailed(ctx, id, err)
	}
	if err := graph.RegisterGraph(ctx, id, nodes); err != nil {
		return e.planningFailed(ctx, id, err)
	}

	e.mu.Lock()
	live, ok := e.projects[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	now := e.now()
	live.Timestamps.PlannedAt = now
	live.Timestamps.UpdatedAt = now
	e.counters.TotalTasks += len(nodes)
	snapshot := live.Clone()
	e.mu.Unlock()

	e.saveProject(ctx, snapshot)
	e.log.Info("project planned", "project", id, "tasks", len(nodes))
	e.bus.Publish(events.ProjectPlanned, events.ProjectPayload{
		ProjectID: id,
		Status:    string(snapshot.Status),
		Tasks:     nodes,
	})
	return nil
}

func (e *Engine) planningFailed(ctx context.Context, id string, err error) error {
	e.log.Error("planning failed", "project", id, "error", err)
	e.alert(Alert{Level: AlertCritical, Source: "planning", ProjectID: id, Message: err.Error()})
	e.failProject(ctx, id, err.Error(), true)
	return &PlanningError{ProjectID: id, Err: err}
}

// failProject marks an active project failed, drops it from the active set
// and releases its agents. It reports whether this call did the transition.
func (e *Engine) failProject(ctx context.Context, id, reason string, announce bool) bool {
	e.mu.Lock()
	p, ok := e.projects[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if p.Status == project.StatusPaused {
		if _, held := e.deferred[id]; !held {
			e.deferred[id] = reason
		}
		e.mu.Unlock()
		e.log.Info("project paused, failure applies on resume", "project", id, "reason", reason)
		return false
	}
	if err := p.Fail(reason, e.now()); err != nil {
		e.mu.Unlock()
		e.log.Warn("cannot fail project", "project", id, "error", err)
		return false
	}
	e.removeProject(id)
	delete(e.deferred, id)
	e.counters.FailedProjects++
	var released []*Assignment
	for key, a := range e.assignments {
		if a.ProjectID == id {
			released = append(released, a)
			delete(e.assignments, key)
		}
	}
	snapshot := p.Clone()
	e.mu.Unlock()

	e.prom.projectsFinished.WithLabelValues("failed").Inc()
	e.releaseAgents(ctx, released)
	e.saveProject(ctx, snapshot)
	e.log.Error("project failed", "project", id, "reason", reason)
	if announce {
		e.bus.Publish(events.ProjectFailed, events.ProjectPayload{ProjectID: id, Status: string(snapshot.Status), Error: reason})
	}
	return true
}

func (e *Engine) releaseAgents(ctx context.Context, released []*Assignment) {
	if len(released) == 0 {
		return
	}
	pool, ok := e.poolService()
	if !ok {
		return
	}
	for _, a := range released {
		if err := pool.Release(ctx, a.AgentID); err != nil {
			e.log.Warn("releasing agent failed", "agent", a.AgentID, "error", err)
		}
	}
}

func (e *Engine) handleProjectPlanned(ctx context.Context, ev events.Event) {
	pl, ok := projectPayload(ev)
	if !ok {
		return
	}
	unlock := e.projLocks.Lock(pl.ProjectID)
	defer unlock()

	e.mu.Lock()
	p, ok := e.projects[pl.ProjectID]
	if !ok || p.Status != project.StatusPlanning {
		e.mu.Unlock()
		return
	}
	if err := p.Transition(project.StatusActive, e.now()); err != nil {
		e.mu.Unlock()
		e.log.Warn("activating project failed", "project", pl.ProjectID, "error", err)
		return
	}
	snapshot := p.Clone()
	e.mu.Unlock()

	e.saveProject(ctx, snapshot)
	e.log.Info("project started", "project", pl.ProjectID)
	e.bus.Publish(events.ProjectStarted, events.ProjectPayload{ProjectID: pl.ProjectID, Status: string(snapshot.Status)})
	e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: pl.ProjectID})
}

func (e *Engine) handleProjectCompleted(ctx context.Context, ev events.Event) {
	pl, ok := projectPayload(ev)
	if !ok {
		return
	}
	unlock := e.projLocks.Lock(pl.ProjectID)
	defer unlock()

	e.mu.Lock()
	p, ok := e.projects[pl.ProjectID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if p.Status == project.StatusPaused {
		e.mu.Unlock()
		e.log.Info("project paused, completion applies on resume", "project", pl.ProjectID)
		return
	}
	if err := p.Transition(project.StatusCompleted, e.now()); err != nil {
		e.mu.Unlock()
		e.log.Warn("completing project failed", "project", pl.ProjectID, "error", err)
		return
	}
	e.removeProject(pl.ProjectID)
	e.counters.CompletedProjects++
	snapshot := p.Clone()
	e.mu.Unlock()

	e.prom.projectsFinished.WithLabelValues("completed").Inc()
	e.saveProject(ctx, snapshot)
	e.log.Info("project completed", "project", pl.ProjectID)
}

func (e *Engine) handleProjectFailed(ctx context.Context, ev events.Event) {
	pl, ok := projectPayload(ev)
	if !ok {
		return
	}
	reason := pl.Error
	if reason == "" {
		reason = "reported failed"
	}
	if e.failProject(ctx, pl.ProjectID, reason, false) {
		e.alert(Alert{Level: AlertCritical, Source: "project", ProjectID: pl.ProjectID, Message: reason})
	}
}

// PauseProject moves an active project to paused. No new tasks are
// assigned to it while paused; in-flight tasks run to completion.
func (e *Engine) PauseProject(ctx context.Context, id string) (*project.Project, error) {
	return e.transition(ctx, id, project.StatusActive, project.StatusPaused, events.ProjectPaused)
}

// ResumeProject moves a paused project back to active. Outcomes reached
// while paused are applied now: a graph with a failed node fails the
// project and a fully completed graph completes it.
func (e *Engine) ResumeProject(ctx context.Context, id string) (*project.Project, error) {
	p, err := e.transition(ctx, id, project.StatusPaused, project.StatusActive, events.ProjectResumed)
	if err != nil {
		return p, err
	}
	e.mu.Lock()
	reason, held := e.deferred[id]
	e.mu.Unlock()
	if held {
		e.failProject(ctx, id, reason, true)
		return e.latestProject(ctx, id, p), nil
	}

	graph, ok := e.graphService()
	if !ok {
		e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: id})
		return p, nil
	}
	ov, err := graph.QualityOverview(ctx, id)
	if err != nil {
		e.log.Warn("checking resumed project failed", "project", id, "error", err)
		e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: id})
		return p, nil
	}
	switch {
	case ov.Failed > 0:
		e.failProject(ctx, id, fmt.Sprintf("%d task(s) failed while the project was paused", ov.Failed), true)
		p = e.latestProject(ctx, id, p)
	case ov.Total > 0 && ov.Completed == ov.Total:
		e.bus.Publish(events.ProjectCompleted, events.ProjectPayload{ProjectID: id})
	default:
		e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: id})
	}
	return p, nil
}

func (e *Engine) transition(ctx context.Context, id string, from, to project.Status, announce string) (*project.Project, error) {
	if !e.Started() {
		return nil, ErrNotStarted
	}
	unlock := e.projLocks.Lock(id)
	defer unlock()

	e.mu.Lock()
	p, ok := e.projects[id]
	if !ok {
		e.mu.Unlock()
		stored, err := e.store.LoadProject(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return stored, fmt.Errorf("%w: project %s is %s", ErrInvalidTransition, id, stored.Status)
	}
	if p.Status != from {
		status := p.Status
		snapshot := p.Clone()
		e.mu.Unlock()
		return snapshot, fmt.Errorf("%w: project %s is %s, not %s", ErrInvalidTransition, id, status, from)
	}
	if err := p.Transition(to, e.now()); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	snapshot := p.Clone()
	e.mu.Unlock()

	e.saveProject(ctx, snapshot)
	e.log.Info("project "+string(to), "project", id)
	e.bus.Publish(announce, events.ProjectPayload{ProjectID: id, Status: string(to)})
	return snapshot, nil
}

// ProjectStatus returns a project from the active set, or from storage
// once it is terminal.
func (e *Engine) ProjectStatus(ctx context.Context, id string) (ProjectStatus, error) {
	p, active := e.activeProject(id)
	if !active {
		stored, err := e.store.LoadProject(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return ProjectStatus{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		if err != nil {
			return ProjectStatus{}, fmt.Errorf("loading project %s: %w", id, err)
		}
		p = stored
	}

	st := ProjectStatus{Project: p, Active: active, Assignments: e.projectAssignments(id)}
	if graph, ok := e.graphService(); ok {
		if ov, err := graph.QualityOverview(ctx, id); err == nil {
			st.Quality = &ov
		}
	}
	return st, nil
}

// ActiveProjects returns IDs of non-terminal projects in insertion order.
func (e *Engine) ActiveProjects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.projectOrder...)
}

// restoreProjects reloads non-terminal projects after a restart. Planning
// projects are planned again; others get their persisted graph back, or a
// fresh plan when none was saved.
func (e *Engine) restoreProjects(ctx context.Context) error {
	stored, err := e.store.LoadAllProjects(ctx)
	if err != nil {
		return err
	}
	graph, graphOK := e.graphService()

	for _, p := range stored {
		if p.Status.Terminal() {
			continue
		}
		e.mu.Lock()
		e.addProject(p.Clone())
		e.mu.Unlock()

		if p.Status == project.StatusPlanning {
			if err := e.planProject(ctx, p.ID); err != nil {
				e.log.Warn("re-planning restored project failed", "project", p.ID, "error", err)
			}
			continue
		}
		if !graphOK {
			continue
		}
		restored, err := graph.Restore(ctx, p.ID)
		if err != nil {
			e.log.Warn("restoring task graph failed", "project", p.ID, "error", err)
		}
		if !restored {
			nodes, err := e.opts.Planner(p.Requirements, p.Config)
			if err == nil {
				err = graph.RegisterGraph(ctx, p.ID, nodes)
			}
			if err != nil {
				e.failProject(ctx, p.ID, fmt.Sprintf("restoring task graph: %v", err), true)
				continue
			}
		}
		e.log.Info("project restored", "project", p.ID, "status", p.Status)
		if p.Status == project.StatusActive {
			e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: p.ID})
		}
	}
	return nil
}

func projectPayload(ev events.Event) (events.ProjectPayload, bool) {
	switch d := ev.Data.(type) {
	case events.ProjectPayload:
		return d, d.ProjectID != ""
	case *events.ProjectPayload:
		if d != nil {
			return *d, d.ProjectID != ""
		}
	}
	return events.ProjectPayload{}, false
}
