package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/aristath/controlplane/internal/agents"
	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/scheduler"
)

// AssignmentStatus is the lifecycle of a task assignment.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Assignment binds a task to the agent working on it. Active assignments
// live in the engine; terminal ones are handed to storage.
type Assignment struct {
	ProjectID   string           `json:"projectId"`
	TaskID      string           `json:"taskId"`
	AgentID     string           `json:"agentId"`
	Status      AssignmentStatus `json:"status"`
	Score       float64          `json:"score"`
	AssignedAt  time.Time        `json:"assignedAt"`
	StartedAt   time.Time        `json:"startedAt,omitempty"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
	Result      any              `json:"result,omitempty"`
	Quality     float64          `json:"quality,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func taskKey(projectID, taskID string) string {
	return projectID + "/" + taskID
}

// PassResult summarizes one coordination pass.
type PassResult struct {
	Skipped  bool `json:"skipped"` // collaborators not running
	Projects int  `json:"projects"`
	Assigned int  `json:"assigned"`
	Failed   int  `json:"failed"`
}

// CoordinateTaskAssignment runs one scheduling pass over every active
// project. Overlapping passes never assign the same task twice: a task is
// claimed before the pool is asked to take it.
func (e *Engine) CoordinateTaskAssignment(ctx context.Context) PassResult {
	var res PassResult
	graph, gok := e.graphService()
	pool, pok := e.poolService()
	tracker, tok := e.trackerService()
	if !gok || !pok || !tok {
		e.log.Debug("coordination pass skipped, collaborators not running")
		res.Skipped = true
		return res
	}
	for _, id := range e.ActiveProjects() {
		p, ok := e.activeProject(id)
		if !ok || p.Status != project.StatusActive {
			continue
		}
		res.Projects++
		assigned, failed := e.coordinateProject(ctx, p, graph, pool, tracker)
		res.Assigned += assigned
		res.Failed += failed
	}
	return res
}

func (e *Engine) coordinateProject(ctx context.Context, p *project.Project, graph TaskGraph, pool AgentPool, tracker PerformanceTracker) (assigned, failed int) {
	ready, err := graph.FindReadyTasks(ctx, p.ID)
	if err != nil {
		e.log.Warn("finding ready tasks failed", "project", p.ID, "error", err)
		return 0, 0
	}
	for _, task := range ready {
		key := taskKey(p.ID, task.ID)
		if !e.claim(key, p.ID, p.Config.MaxConcurrentTasks) {
			continue
		}
		switch e.assign(ctx, p.ID, task, pool, tracker) {
		case assignOK:
			assigned++
		case assignRejected:
			failed++
			e.unclaim(key)
		default:
			e.unclaim(key)
		}
	}
	return assigned, failed
}

// claim reserves a task for assignment. It fails if the task is already
// assigned or claimed, or a concurrency cap is reached.
func (e *Engine) claim(key, projectID string, projectCap int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.assignments[key]; ok {
		return false
	}
	if _, ok := e.claims[key]; ok {
		return false
	}
	if len(e.assignments)+len(e.claims) >= e.opts.MaxConcurrentTasks {
		return false
	}
	if projectCap > 0 {
		n := 0
		for _, a := range e.assignments {
			if a.ProjectID == projectID {
				n++
			}
		}
		for _, pid := range e.claims {
			if pid == projectID {
				n++
			}
		}
		if n >= projectCap {
			return false
		}
	}
	e.claims[key] = projectID
	return true
}

func (e *Engine) unclaim(key string) {
	e.mu.Lock()
	delete(e.claims, key)
	e.mu.Unlock()
}

type assignOutcome int

const (
	assignNoAgent assignOutcome = iota
	assignOK
	assignRejected
)

// rankAgents scores every available agent capable of task.
func rankAgents(ctx context.Context, task scheduler.TaskNode, pool AgentPool, tracker PerformanceTracker) []scheduler.Candidate {
	var cands []scheduler.Candidate
	for _, a := range pool.AvailableAgents(ctx) {
		if !pool.CanHandle(ctx, a.ID, task) {
			continue
		}
		cands = append(cands, scheduler.Candidate{
			AgentID:    a.ID,
			Weight:     tracker.Weight(ctx, a.ID),
			Capability: pool.CapabilityScore(ctx, a.ID, task),
		})
	}
	return scheduler.Rank(cands)
}

func (e *Engine) assign(ctx context.Context, projectID string, task scheduler.TaskNode, pool AgentPool, tracker PerformanceTracker) assignOutcome {
	ranked := rankAgents(ctx, task, pool, tracker)
	if len(ranked) == 0 {
		e.log.Debug("no capable agent available", "project", projectID, "task", task.ID)
		return assignNoAgent
	}
	best := ranked[0]

	res := pool.AssignTask(ctx, task, best.AgentID)
	if !res.Success {
		e.log.Warn("task assignment rejected", "project", projectID, "task", task.ID, "agent", best.AgentID, "reason", res.Reason)
		e.prom.assignmentFailures.Inc()
		e.alert(Alert{Level: AlertWarning, Source: "assignment", ProjectID: projectID, TaskID: task.ID, Message: res.Reason})
		e.bus.Publish(events.TaskAssignmentFailed, events.TaskPayload{
			ProjectID: projectID, TaskID: task.ID, AgentID: best.AgentID, Error: res.Reason,
		})
		return assignRejected
	}

	a := &Assignment{
		ProjectID:  projectID,
		TaskID:     task.ID,
		AgentID:    best.AgentID,
		Status:     AssignmentAssigned,
		Score:      best.Score,
		AssignedAt: e.now(),
	}
	key := taskKey(projectID, task.ID)
	e.mu.Lock()
	delete(e.claims, key)
	if _, live := e.projects[projectID]; !live {
		// The project finished or failed while the pool was deciding.
		e.mu.Unlock()
		if err := pool.Release(ctx, best.AgentID); err != nil {
			e.log.Warn("releasing agent failed", "agent", best.AgentID, "error", err)
		}
		return assignNoAgent
	}
	e.assignments[key] = a
	active := len(e.assignments)
	e.mu.Unlock()

	e.prom.assignments.Inc()
	e.prom.activeTasks.Set(float64(active))
	e.log.Info("task assigned", "project", projectID, "task", task.ID, "agent", best.AgentID, "score", best.Score)
	e.bus.Publish(events.TaskAssigned, events.TaskPayload{ProjectID: projectID, TaskID: task.ID, AgentID: best.AgentID})
	return assignOK
}

// Assignments returns copies of all active assignments ordered by key.
func (e *Engine) Assignments() []Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignmentsLocked(func(*Assignment) bool { return true })
}

func (e *Engine) projectAssignments(projectID string) []Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignmentsLocked(func(a *Assignment) bool { return a.ProjectID == projectID })
}

func (e *Engine) assignmentsLocked(keep func(*Assignment) bool) []Assignment {
	keys := make([]string, 0, len(e.assignments))
	for k, a := range e.assignments {
		if keep(a) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Assignment, 0, len(keys))
	for _, k := range keys {
		out = append(out, *e.assignments[k])
	}
	return out
}

func (e *Engine) handleTasksReady(ctx context.Context, ev events.Event) {
	e.CoordinateTaskAssignment(ctx)
}

func (e *Engine) handleAgentAvailable(ctx context.Context, ev events.Event) {
	e.CoordinateTaskAssignment(ctx)
}

func (e *Engine) handleTaskStarted(ctx context.Context, ev events.Event) {
	pl, ok := taskPayload(ev)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.assignments[taskKey(pl.ProjectID, pl.TaskID)]; ok && a.Status == AssignmentAssigned {
		a.Status = AssignmentRunning
		a.StartedAt = e.now()
	}
}

// finishAssignment removes the active assignment for a finished task and
// bumps the matching counter. It returns nil when the task was not active,
// which makes redelivered completion events no-ops.
//
// The task stays claimed until the caller has recorded the outcome in the
// graph and called unclaim; until then the node still looks ready.
func (e *Engine) finishAssignment(pl events.TaskPayload, status AssignmentStatus) *Assignment {
	key := taskKey(pl.ProjectID, pl.TaskID)

	e.mu.Lock()
	a, ok := e.assignments[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.assignments, key)
	e.claims[key] = a.ProjectID
	if status == AssignmentCompleted {
		e.counters.CompletedTasks++
	} else {
		e.counters.FailedTasks++
	}
	active := len(e.assignments)
	e.mu.Unlock()

	a.Status = status
	a.CompletedAt = e.now()
	a.Result = pl.Result
	a.Quality = pl.Quality
	a.Error = pl.Error

	e.prom.tasksFinished.WithLabelValues(string(status)).Inc()
	e.prom.activeTasks.Set(float64(active))
	return a
}

// archive releases the agent, records its performance and hands the
// finished assignment to storage.
func (e *Engine) archive(ctx context.Context, a *Assignment) {
	if pool, ok := e.poolService(); ok {
		if err := pool.Release(ctx, a.AgentID); err != nil {
			e.log.Warn("releasing agent failed", "agent", a.AgentID, "error", err)
		}
	}
	if tracker, ok := e.trackerService(); ok {
		var dur time.Duration
		if !a.StartedAt.IsZero() {
			dur = a.CompletedAt.Sub(a.StartedAt)
		}
		tracker.Record(ctx, a.AgentID, agents.Outcome{
			Success:  a.Status == AssignmentCompleted,
			Quality:  a.Quality,
			Duration: dur,
		})
	}
	if err := e.store.SaveServiceData(ctx, "assignment/"+taskKey(a.ProjectID, a.TaskID), a); err != nil {
		e.log.Warn("archiving assignment failed", "project", a.ProjectID, "task", a.TaskID, "error", err)
	}
}

func (e *Engine) handleTaskCompleted(ctx context.Context, ev events.Event) {
	pl, ok := taskPayload(ev)
	if !ok {
		return
	}
	a := e.finishAssignment(pl, AssignmentCompleted)
	if a == nil {
		return
	}
	key := taskKey(a.ProjectID, a.TaskID)
	e.archive(ctx, a)
	e.log.Info("task completed", "project", a.ProjectID, "task", a.TaskID, "agent", a.AgentID, "quality", a.Quality)

	graph, ok := e.graphService()
	if !ok {
		e.unclaim(key)
		return
	}
	blocked, err := graph.MarkCompleted(ctx, a.ProjectID, a.TaskID, a.Quality)
	e.unclaim(key)
	if err != nil {
		e.log.Warn("recording completion failed", "project", a.ProjectID, "task", a.TaskID, "error", err)
		return
	}
	e.afterQuality(ctx, graph, a.ProjectID, a.TaskID, a.Quality, blocked)
}

func (e *Engine) handleTaskFailed(ctx context.Context, ev events.Event) {
	pl, ok := taskPayload(ev)
	if !ok {
		return
	}
	a := e.finishAssignment(pl, AssignmentFailed)
	if a == nil {
		return
	}
	key := taskKey(a.ProjectID, a.TaskID)
	e.archive(ctx, a)
	e.log.Warn("task failed", "project", a.ProjectID, "task", a.TaskID, "agent", a.AgentID, "error", a.Error)

	graph, ok := e.graphService()
	if !ok {
		e.unclaim(key)
		return
	}
	p, ok := e.activeProject(a.ProjectID)
	if !ok {
		e.unclaim(key)
		return
	}
	exhausted, err := graph.MarkFailed(ctx, a.ProjectID, a.TaskID, p.Config.Retry.MaxRetries)
	e.unclaim(key)
	if err != nil {
		e.log.Warn("recording failure failed", "project", a.ProjectID, "task", a.TaskID, "error", err)
		return
	}
	if exhausted {
		e.failProject(ctx, a.ProjectID, "task "+a.TaskID+" exhausted its retries", true)
		return
	}
	e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: a.ProjectID})
}

func (e *Engine) handleQualityAssessed(ctx context.Context, ev events.Event) {
	pl, ok := taskPayload(ev)
	if !ok {
		return
	}
	graph, ok := e.graphService()
	if !ok {
		return
	}
	blocked, err := graph.RecordQuality(ctx, pl.ProjectID, pl.TaskID, pl.Quality)
	if err != nil {
		e.log.Warn("recording quality failed", "project", pl.ProjectID, "task", pl.TaskID, "error", err)
		return
	}
	e.afterQuality(ctx, graph, pl.ProjectID, pl.TaskID, pl.Quality, blocked)
}

// afterQuality reacts to a task's quality: an unmet gate sends the task
// back for rework or fails the project; otherwise the project completes or
// more tasks become ready.
func (e *Engine) afterQuality(ctx context.Context, graph TaskGraph, projectID, taskID string, quality float64, gateBlocked bool) {
	p, ok := e.activeProject(projectID)
	if !ok {
		return
	}
	if gateBlocked {
		exhausted, err := graph.Reopen(ctx, projectID, taskID, p.Config.Retry.MaxRetries)
		if err != nil {
			e.log.Warn("reopening task failed", "project", projectID, "task", taskID, "error", err)
			return
		}
		if exhausted {
			e.failProject(ctx, projectID, "task "+taskID+" never met the quality threshold", true)
			return
		}
		e.log.Warn("quality gate failed", "project", projectID, "task", taskID, "quality", quality, "threshold", p.Config.QualityThreshold)
		e.bus.Publish(events.QualityGateFailed, events.TaskPayload{ProjectID: projectID, TaskID: taskID, Quality: quality})
		e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: projectID})
		return
	}

	done, err := graph.IsComplete(ctx, projectID)
	if err != nil {
		e.log.Warn("checking completion failed", "project", projectID, "error", err)
		return
	}
	if done {
		e.bus.Publish(events.ProjectCompleted, events.ProjectPayload{ProjectID: projectID})
		return
	}
	e.bus.Publish(events.TasksReady, events.ProjectPayload{ProjectID: projectID})
}

func taskPayload(ev events.Event) (events.TaskPayload, bool) {
	switch d := ev.Data.(type) {
	case events.TaskPayload:
		return d, d.ProjectID != "" && d.TaskID != ""
	case *events.TaskPayload:
		if d != nil {
			return *d, d.ProjectID != "" && d.TaskID != ""
		}
	}
	return events.TaskPayload{}, false
}
