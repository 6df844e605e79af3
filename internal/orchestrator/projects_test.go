package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/controlplane/internal/agents"
	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/scheduler"
)

func TestCreateProjectPlansFourNodeChain(t *testing.T) {
	env := startedEnv(t, nil)
	ctx := context.Background()

	p, err := env.engine.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	snap, err := env.graph(t).Snapshot(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, snap, 4)

	nodes := make(map[string]scheduler.TaskNode, len(snap))
	for _, s := range snap {
		nodes[s.Node.ID] = s.Node
	}
	require.Contains(t, nodes, scheduler.SetupNodeID)
	require.Contains(t, nodes, "task-1")
	require.Contains(t, nodes, "task-2")
	require.Contains(t, nodes, scheduler.FinalNodeID)

	assert.Empty(t, nodes[scheduler.SetupNodeID].Dependencies)
	assert.Contains(t, nodes["task-1"].Capabilities, "backend")
	assert.Contains(t, nodes["task-2"].Capabilities, "testing")

	assert.Equal(t, []scheduler.Edge{{Target: scheduler.SetupNodeID, Condition: scheduler.ConditionCompleted}}, nodes["task-1"].Dependencies)
	assert.Equal(t, []scheduler.Edge{{Target: "task-1", Condition: scheduler.ConditionCompleted}}, nodes["task-2"].Dependencies)
	assert.Equal(t, []scheduler.Edge{{Target: "task-2", Condition: scheduler.ConditionQualityGate, MinQuality: 0.8}}, nodes[scheduler.FinalNodeID].Dependencies)

	env.waitStatus(t, p.ID, project.StatusActive)
	st, err := env.engine.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.False(t, st.Project.Timestamps.PlannedAt.IsZero())
	assert.False(t, st.Project.Timestamps.StartedAt.IsZero())
	require.NotNil(t, st.Quality)
	assert.Equal(t, 4, st.Quality.Total)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.engine.prom.projectsCreated))
	assert.Equal(t, 4, env.engine.Metrics().TotalTasks)
}

func TestCreateProjectPublishesLifecycleEvents(t *testing.T) {
	env := startedEnv(t, nil)
	sub := env.bus.Subscribe(events.PatternProject, 16)

	p, err := env.engine.CreateProject(context.Background(), twoRequirements(), project.Config{})
	require.NoError(t, err)

	var seen []string
	timeout := time.After(waitFor)
	for len(seen) < 3 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
			if ev.Type == events.ProjectPlanned {
				pl := ev.Data.(events.ProjectPayload)
				assert.Equal(t, p.ID, pl.ProjectID)
				assert.Len(t, pl.Tasks, 4)
			}
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []string{events.ProjectCreated, events.ProjectPlanned, events.ProjectStarted}, seen)
}

func TestCreateProjectRejectsInvalidConfig(t *testing.T) {
	env := startedEnv(t, nil)
	_, err := env.engine.CreateProject(context.Background(), twoRequirements(), project.Config{QualityThreshold: 1.5})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, env.engine.ActiveProjects())
}

func TestCreateProjectRequiresStartedEngine(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.CreateProject(context.Background(), twoRequirements(), project.Config{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPlanningFailureFailsOnlyThatProject(t *testing.T) {
	boom := errors.New("planner exploded")
	calls := 0
	env := startedEnv(t, nil, func(o *Options) {
		o.Planner = func(req project.Requirements, cfg project.Config) ([]scheduler.TaskNode, error) {
			calls++
			if calls == 1 {
				return nil, boom
			}
			return scheduler.Plan(req, cfg)
		}
	})
	ctx := context.Background()

	failed, err := env.engine.CreateProject(ctx, twoRequirements(), project.Config{})
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, failed)
	assert.Equal(t, project.StatusFailed, failed.Status)
	assert.Equal(t, boom.Error(), failed.Error)

	stored, err := env.store.LoadProject(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, stored.Status)

	ok, err := env.engine.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	env.waitStatus(t, ok.ID, project.StatusActive)

	m := env.engine.Metrics()
	assert.Equal(t, 2, m.TotalProjects)
	assert.Equal(t, 1, m.FailedProjects)
	assert.Equal(t, []string{ok.ID}, env.engine.ActiveProjects())

	alerts := env.engine.Alerts(0)
	require.NotEmpty(t, alerts)
	assert.Equal(t, failed.ID, alerts[0].ProjectID)
}

func TestPauseAndResume(t *testing.T) {
	env := startedEnv(t, []agents.Spec{generalist("g")})
	ctx := context.Background()
	e := env.engine

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	env.waitStatus(t, p.ID, project.StatusActive)
	env.waitAssigned(t, p.ID, scheduler.SetupNodeID)

	paused, err := e.PauseProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, paused.Status)
	assert.False(t, paused.Timestamps.PausedAt.IsZero())

	_, err = e.PauseProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// In-flight work finishes but nothing new is assigned while paused.
	env.bus.Publish(events.TaskCompleted, events.TaskPayload{ProjectID: p.ID, TaskID: scheduler.SetupNodeID, Quality: 0.9})
	require.Eventually(t, func() bool { return e.Metrics().CompletedTasks == 1 }, waitFor, 5*time.Millisecond)
	res := e.CoordinateTaskAssignment(ctx)
	assert.Zero(t, res.Projects)
	assert.Empty(t, e.Assignments())

	resumed, err := e.ResumeProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusActive, resumed.Status)
	env.waitAssigned(t, p.ID, "task-1")

	_, err = e.ResumeProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.PauseProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestLastTaskCompletedWhilePausedCompletesOnResume(t *testing.T) {
	env := startedEnv(t, []agents.Spec{generalist("g")})
	ctx := context.Background()
	e := env.engine

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	for _, id := range []string{scheduler.SetupNodeID, "task-1", "task-2"} {
		env.waitAssigned(t, p.ID, id)
		env.bus.Publish(events.TaskCompleted, events.TaskPayload{ProjectID: p.ID, TaskID: id, Quality: 0.9})
	}
	env.waitAssigned(t, p.ID, scheduler.FinalNodeID)

	_, err = e.PauseProject(ctx, p.ID)
	require.NoError(t, err)
	env.bus.Publish(events.TaskCompleted, events.TaskPayload{ProjectID: p.ID, TaskID: scheduler.FinalNodeID, Quality: 0.9})
	require.Eventually(t, func() bool { return e.Metrics().CompletedTasks == 4 }, waitFor, 5*time.Millisecond)

	st, err := e.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, st.Project.Status)

	_, err = e.ResumeProject(ctx, p.ID)
	require.NoError(t, err)
	env.waitStatus(t, p.ID, project.StatusCompleted)
	assert.Equal(t, 1, e.Metrics().CompletedProjects)
	assert.Zero(t, e.Metrics().ActiveProjects)
}

func TestRetriesExhaustedWhilePausedFailOnResume(t *testing.T) {
	env := startedEnv(t, []agents.Spec{generalist("g")})
	ctx := context.Background()
	e := env.engine
	failed := env.bus.Subscribe(events.ProjectFailed, 4)

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{Retry: project.RetryPolicy{MaxRetries: 1}})
	require.NoError(t, err)
	env.waitAssigned(t, p.ID, scheduler.SetupNodeID)
	env.bus.Publish(events.TaskFailed, events.TaskPayload{ProjectID: p.ID, TaskID: scheduler.SetupNodeID, Error: "first"})
	require.Eventually(t, func() bool { return e.Metrics().FailedTasks == 1 }, waitFor, 5*time.Millisecond)
	env.waitAssigned(t, p.ID, scheduler.SetupNodeID)

	_, err = e.PauseProject(ctx, p.ID)
	require.NoError(t, err)
	env.bus.Publish(events.TaskFailed, events.TaskPayload{ProjectID: p.ID, TaskID: scheduler.SetupNodeID, Error: "second"})
	require.Eventually(t, func() bool { return e.Metrics().FailedTasks == 2 }, waitFor, 5*time.Millisecond)

	st, err := e.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, st.Project.Status)

	resumed, err := e.ResumeProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, resumed.Status)
	assert.Contains(t, resumed.Error, scheduler.SetupNodeID)
	env.waitStatus(t, p.ID, project.StatusFailed)
	assert.Equal(t, 1, e.Metrics().FailedProjects)

	select {
	case ev := <-failed:
		assert.Equal(t, p.ID, ev.Data.(events.ProjectPayload).ProjectID)
	case <-time.After(waitFor):
		t.Fatal("no project.failed event after resume")
	}
}

func TestProjectFailedEventWhilePausedAppliesOnResume(t *testing.T) {
	env := startedEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	env.waitStatus(t, p.ID, project.StatusActive)
	_, err = e.PauseProject(ctx, p.ID)
	require.NoError(t, err)

	e.handleProjectFailed(ctx, events.Event{Type: events.ProjectFailed, Data: events.ProjectPayload{ProjectID: p.ID, Error: "operator abort"}})
	st, err := e.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPaused, st.Project.Status)

	resumed, err := e.ResumeProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, resumed.Status)
	assert.Equal(t, "operator abort", resumed.Error)
}

func TestProjectStatusUnknown(t *testing.T) {
	env := startedEnv(t, nil)
	_, err := env.engine.ProjectStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectFailedEventIsCountedOnce(t *testing.T) {
	env := startedEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	env.waitStatus(t, p.ID, project.StatusActive)

	ev := events.Event{Type: events.ProjectFailed, Data: events.ProjectPayload{ProjectID: p.ID, Error: "agent crashed"}}
	e.handleProjectFailed(ctx, ev)
	e.handleProjectFailed(ctx, ev)

	assert.Equal(t, 1, e.Metrics().FailedProjects)
	st, err := e.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, project.StatusFailed, st.Project.Status)
	assert.Equal(t, "agent crashed", st.Project.Error)
}

func TestRestoreProjectsAfterRestart(t *testing.T) {
	env := startedEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	p, err := e.CreateProject(ctx, twoRequirements(), project.Config{})
	require.NoError(t, err)
	env.waitStatus(t, p.ID, project.StatusActive)
	require.NoError(t, e.Shutdown(ctx))

	// A second engine over the same store picks the project back up.
	again, err := New(Options{
		Store:          env.store,
		Bus:            env.bus,
		Services:       StandardServices(env.store, nil, agents.DefaultTrackerOptions(), nil),
		TaskInterval:   time.Hour,
		HealthInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, again.Start(ctx))
	defer again.Shutdown(ctx)

	assert.Equal(t, []string{p.ID}, again.ActiveProjects())
	st, err := again.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusActive, st.Project.Status)
	require.NotNil(t, st.Quality)
	assert.Equal(t, 4, st.Quality.Total)
}
