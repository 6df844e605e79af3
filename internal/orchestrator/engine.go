// Package orchestrator is the coordination engine: it boots supervised
// services, wires event handlers and timers, drives project lifecycles,
// assigns ready tasks to agents and aggregates health and metrics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/scheduler"
	"github.com/aristath/controlplane/internal/supervisor"
)

// Options configures an Engine. Zero durations and limits take defaults.
type Options struct {
	Store    Storage
	Bus      *events.Bus
	Services []ServiceSpec

	TaskInterval        time.Duration // default 10s
	HealthInterval      time.Duration // default 30s
	LoadBalanceInterval time.Duration // default 60s
	MetricsInterval     time.Duration // default 60s
	HealthCheckTimeout  time.Duration // default 5s
	ShutdownTimeout     time.Duration // default 30s
	MaxConcurrentTasks  int           // default 10

	ProjectDefaults project.Config
	Restart         supervisor.RestartPolicy
	Planner         Planner

	// Registry receives the engine's Prometheus collectors. A private
	// registry is created when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Clock    func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.TaskInterval <= 0 {
		o.TaskInterval = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.LoadBalanceInterval <= 0 {
		o.LoadBalanceInterval = 60 * time.Second
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 60 * time.Second
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 10
	}
	o.ProjectDefaults = o.ProjectDefaults.WithDefaults(project.DefaultConfig())
	if o.Planner == nil {
		o.Planner = scheduler.Plan
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Engine coordinates projects, tasks, agents and services. All shared maps
// are fields of the engine and guarded by mu; collaborators are reached only
// through the supervisor.
type Engine struct {
	opts      Options
	log       *slog.Logger
	sup       *supervisor.Supervisor
	restarter *supervisor.Restarter
	store     Storage
	bus       *events.Bus
	prom      *promMetrics
	projLocks *keyLock

	mu           sync.Mutex
	started      bool
	projects     map[string]*project.Project // active set: non-terminal projects
	projectOrder []string
	assignments  map[string]*Assignment // keyed by taskKey
	claims       map[string]string      // taskKey -> projectID, assignment in flight
	deferred     map[string]string      // projectID -> failure reason held while paused
	counters     OrchestrationMetrics
	lastHealth   supervisor.SystemHealth
	alerts       []Alert

	timerMu sync.Mutex
	timers  map[string]*timer

	runCtx    context.Context
	cancelRun context.CancelFunc
	unsubs    []func()
}

// New creates an engine and registers its services.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("orchestrator: event bus is required")
	}
	opts = opts.withDefaults()

	logger := logging.Component(opts.Logger, "orchestrator")
	sup := supervisor.New(opts.Logger)
	for _, spec := range opts.Services {
		if err := sup.Register(spec.Descriptor, spec.Factory); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		opts:      opts,
		log:       logger,
		sup:       sup,
		restarter: supervisor.NewRestarter(sup, opts.Restart, opts.Logger),
		store:     opts.Store,
		bus:       opts.Bus,
		prom:      newPromMetrics(opts.Registry),
		projLocks: newKeyLock(),
		timers:    make(map[string]*timer),
	}
	e.resetState()
	return e, nil
}

func (e *Engine) resetState() {
	e.projects = make(map[string]*project.Project)
	e.projectOrder = nil
	e.assignments = make(map[string]*Assignment)
	e.claims = make(map[string]string)
	e.deferred = make(map[string]string)
	e.counters = OrchestrationMetrics{}
	e.lastHealth = supervisor.SystemHealth{}
	e.alerts = nil
}

// Supervisor exposes the service registry.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.sup }

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Gatherer returns the registry holding the engine's Prometheus metrics.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.opts.Registry }

// Started reports whether Start succeeded and Shutdown has not run.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Start boots all services in dependency order, subscribes event handlers,
// restores persisted projects and starts the coordination timers. Any
// bootstrap error aborts startup and stops whatever was started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.mu.Unlock()

	order, err := e.sup.StartOrder()
	if err != nil {
		return fmt.Errorf("computing start order: %w", err)
	}
	if err := e.sup.StartAll(ctx, order); err != nil {
		e.log.Error("bootstrap failed", "error", err)
		if stopErr := e.sup.StopAll(ctx, "bootstrap failed", e.opts.ShutdownTimeout); stopErr != nil {
			e.log.Warn("cleanup after failed bootstrap", "error", stopErr)
		}
		return err
	}

	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.subscribe()

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	if err := e.restoreProjects(ctx); err != nil {
		e.log.Warn("restoring projects failed", "error", err)
	}
	e.startTimers()

	e.log.Info("engine started", "services", len(order))
	return nil
}

// Shutdown cancels timers, stops every service concurrently and waits at
// most ShutdownTimeout. In-memory state is cleared whichever way the race
// resolves.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	e.mu.Unlock()

	e.cancelTimers()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.cancelRun()

	err := e.sup.StopAll(ctx, "shutdown", e.opts.ShutdownTimeout)

	e.mu.Lock()
	e.resetState()
	e.mu.Unlock()
	e.sup.Reset()

	switch {
	case errors.Is(err, supervisor.ErrStopTimeout):
		e.log.Error("shutdown timed out", "timeout", e.opts.ShutdownTimeout)
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, e.opts.ShutdownTimeout)
	case err != nil:
		return fmt.Errorf("stopping services: %w", err)
	}
	e.log.Info("engine stopped")
	return nil
}

func (e *Engine) now() time.Time { return e.opts.Clock() }
