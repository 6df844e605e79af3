package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/supervisor"
)

// OrchestrationMetrics are the engine's running totals plus derived load.
type OrchestrationMetrics struct {
	TotalProjects     int       `json:"totalProjects"`
	CompletedProjects int       `json:"completedProjects"`
	FailedProjects    int       `json:"failedProjects"`
	TotalTasks        int       `json:"totalTasks"`
	CompletedTasks    int       `json:"completedTasks"`
	FailedTasks       int       `json:"failedTasks"`
	ActiveProjects    int       `json:"activeProjects"`
	ActiveTasks       int       `json:"activeTasks"`
	SystemLoad        float64   `json:"systemLoad"` // active tasks / max concurrent tasks
	ServicesRunning   int       `json:"servicesRunning"`
	LastCalculated    time.Time `json:"lastCalculated"`
}

// MetricsSnapshot bundles engine metrics with whatever each service reports.
type MetricsSnapshot struct {
	Orchestration OrchestrationMetrics      `json:"orchestration"`
	Services      map[string]map[string]any `json:"services"`
}

// Metrics recomputes the derived fields and returns a copy.
func (e *Engine) Metrics() OrchestrationMetrics {
	running := e.sup.RunningCount()

	e.mu.Lock()
	m := e.counters
	m.ActiveProjects = len(e.projects)
	m.ActiveTasks = len(e.assignments)
	e.mu.Unlock()

	m.SystemLoad = float64(m.ActiveTasks) / float64(e.opts.MaxConcurrentTasks)
	m.ServicesRunning = running
	m.LastCalculated = e.now()
	return m
}

// CollectMetrics recomputes orchestration metrics, pulls metrics from every
// running service that reports them and publishes the bundle as
// system.metrics.
func (e *Engine) CollectMetrics(ctx context.Context) MetricsSnapshot {
	m := e.Metrics()

	e.mu.Lock()
	e.counters.LastCalculated = m.LastCalculated
	e.mu.Unlock()

	snap := MetricsSnapshot{Orchestration: m, Services: make(map[string]map[string]any)}
	for _, d := range e.sup.Services() {
		svc, ok := e.sup.Instance(d.Name)
		if !ok {
			continue
		}
		mr, ok := svc.(supervisor.MetricsReporter)
		if !ok {
			continue
		}
		sm, err := mr.Metrics(ctx)
		if err != nil {
			e.log.Warn("collecting service metrics failed", "service", d.Name, "error", err)
			continue
		}
		snap.Services[d.Name] = sm
	}
	if tracker, ok := e.trackerService(); ok {
		gm := tracker.GlobalMetrics(ctx)
		if snap.Services[ServiceTracker] == nil {
			snap.Services[ServiceTracker] = map[string]any{}
		}
		snap.Services[ServiceTracker]["global"] = gm
	}

	e.prom.systemLoad.Set(m.SystemLoad)
	e.prom.servicesRunning.Set(float64(m.ServicesRunning))
	e.prom.activeProjects.Set(float64(m.ActiveProjects))
	e.prom.activeTasks.Set(float64(m.ActiveTasks))

	e.bus.Publish(events.SystemMetrics, snap)
	return snap
}

// LoadReport is the load_balancing timer's view of assignment spread.
type LoadReport struct {
	ActiveTasks int            `json:"activeTasks"`
	SystemLoad  float64        `json:"systemLoad"`
	PerAgent    map[string]int `json:"perAgent"`
	PerProject  map[string]int `json:"perProject"`
	Busiest     []string       `json:"busiest,omitempty"` // agents with the most active tasks
}

func (e *Engine) loadReport() LoadReport {
	e.mu.Lock()
	r := LoadReport{
		ActiveTasks: len(e.assignments),
		PerAgent:    make(map[string]int),
		PerProject:  make(map[string]int),
	}
	for _, a := range e.assignments {
		r.PerAgent[a.AgentID]++
		r.PerProject[a.ProjectID]++
	}
	e.mu.Unlock()

	r.SystemLoad = float64(r.ActiveTasks) / float64(e.opts.MaxConcurrentTasks)
	most := 0
	for agent, n := range r.PerAgent {
		switch {
		case n > most:
			most = n
			r.Busiest = []string{agent}
		case n == most:
			r.Busiest = append(r.Busiest, agent)
		}
	}
	sort.Strings(r.Busiest)
	return r
}

func (e *Engine) publishLoad() LoadReport {
	r := e.loadReport()
	e.prom.systemLoad.Set(r.SystemLoad)
	e.bus.Publish(events.SystemLoad, r)
	return r
}

type promMetrics struct {
	projectsCreated    prometheus.Counter
	projectsFinished   *prometheus.CounterVec
	tasksFinished      *prometheus.CounterVec
	assignments        prometheus.Counter
	assignmentFailures prometheus.Counter
	activeProjects     prometheus.Gauge
	activeTasks        prometheus.Gauge
	systemLoad         prometheus.Gauge
	servicesRunning    prometheus.Gauge
	serviceHealth      *prometheus.GaugeVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)

	return &promMetrics{
		projectsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_projects_created_total",
			Help: "Total number of projects created",
		}),
		projectsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_projects_finished_total",
			Help: "Total number of projects that reached a terminal status",
		}, []string{"outcome"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_tasks_finished_total",
			Help: "Total number of task assignments that finished",
		}, []string{"outcome"}),
		assignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_task_assignments_total",
			Help: "Total number of tasks assigned to agents",
		}),
		assignmentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_task_assignment_failures_total",
			Help: "Total number of assignments rejected by the agent pool",
		}),
		activeProjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_active_projects",
			Help: "Projects in the active set",
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_active_tasks",
			Help: "Tasks currently assigned to agents",
		}),
		systemLoad: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_system_load",
			Help: "Active tasks divided by the concurrent task limit",
		}),
		servicesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_services_running",
			Help: "Supervised services in the running state",
		}),
		serviceHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_service_health",
			Help: "Last health verdict per service (1 healthy, 0.5 degraded, 0 unhealthy)",
		}, []string{"service"}),
	}
}
