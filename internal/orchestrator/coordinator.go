package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aristath/controlplane/internal/events"
)

// Timer names.
const (
	TimerTaskCoordination   = "task_coordination"
	TimerHealthCoordination = "health_coordination"
	TimerLoadBalancing      = "load_balancing"
	TimerSystemHealth       = "system_health"
	TimerSystemMetrics      = "system_metrics"
)

type eventHandler func(ctx context.Context, ev events.Event)

// handlerTable maps full event types to handlers. Types not listed are
// ignored, including the engine's own announcements.
func (e *Engine) handlerTable() map[string]eventHandler {
	return map[string]eventHandler{
		events.ProjectPlanned:   e.handleProjectPlanned,
		events.ProjectCompleted: e.handleProjectCompleted,
		events.ProjectFailed:    e.handleProjectFailed,
		events.TasksReady:       e.handleTasksReady,
		events.TaskStarted:      e.handleTaskStarted,
		events.TaskCompleted:    e.handleTaskCompleted,
		events.TaskFailed:       e.handleTaskFailed,
		events.AgentAvailable:   e.handleAgentAvailable,
		events.QualityAssessed:  e.handleQualityAssessed,
		events.ServiceError:     e.handleServiceError,
	}
}

var subscribedPatterns = []string{
	events.PatternProject,
	events.PatternTask,
	events.PatternTasks,
	events.PatternAgent,
	events.PatternQuality,
	events.PatternService,
}

func (e *Engine) subscribe() {
	table := e.handlerTable()
	dispatch := func(ctx context.Context, ev events.Event) {
		h, ok := table[ev.Type]
		if !ok {
			return
		}
		h(e.runCtx, ev)
	}
	for _, pattern := range subscribedPatterns {
		e.unsubs = append(e.unsubs, e.bus.Handle(pattern, dispatch))
	}
}

// timer fires action every interval until cancelled. Ticks are not
// serialized: each one runs on its own goroutine.
type timer struct {
	name     string
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func (t *timer) cancel() {
	t.once.Do(func() { close(t.stop) })
}

// StartTimer schedules action under name, replacing a timer of the same name.
func (e *Engine) StartTimer(name string, interval time.Duration, action func(ctx context.Context)) {
	t := &timer{name: name, interval: interval, stop: make(chan struct{})}

	e.timerMu.Lock()
	if old, ok := e.timers[name]; ok {
		old.cancel()
	}
	e.timers[name] = t
	e.timerMu.Unlock()

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				go e.tick(ctx, name, action)
			}
		}
	}()
}

func (e *Engine) tick(ctx context.Context, name string, action func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("timer action panicked", "timer", name, "panic", r)
		}
	}()
	action(ctx)
}

// CancelTimer stops the named timer. Cancelling an unknown or already
// cancelled timer is a no-op.
func (e *Engine) CancelTimer(name string) {
	e.timerMu.Lock()
	t, ok := e.timers[name]
	delete(e.timers, name)
	e.timerMu.Unlock()
	if ok {
		t.cancel()
	}
}

// Timers returns the sorted names of scheduled timers.
func (e *Engine) Timers() []string {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	names := make([]string, 0, len(e.timers))
	for name := range e.timers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (e *Engine) cancelTimers() {
	for _, name := range e.Timers() {
		e.CancelTimer(name)
	}
}

func (e *Engine) startTimers() {
	e.StartTimer(TimerTaskCoordination, e.opts.TaskInterval, func(ctx context.Context) {
		e.CoordinateTaskAssignment(ctx)
	})
	e.StartTimer(TimerHealthCoordination, e.opts.HealthInterval, e.restartFailedServices)
	e.StartTimer(TimerLoadBalancing, e.opts.LoadBalanceInterval, func(ctx context.Context) {
		e.publishLoad()
	})
	e.StartTimer(TimerSystemHealth, e.opts.HealthInterval, func(ctx context.Context) {
		e.CheckHealth(ctx)
	})
	e.StartTimer(TimerSystemMetrics, e.opts.MetricsInterval, func(ctx context.Context) {
		e.CollectMetrics(ctx)
	})
}
