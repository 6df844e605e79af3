package orchestrator

import (
	"context"

	"github.com/aristath/controlplane/internal/supervisor"
)

// SystemStatus is the operator view of the whole control plane.
type SystemStatus struct {
	Started        bool                    `json:"started"`
	Health         supervisor.SystemHealth `json:"health"`
	Metrics        OrchestrationMetrics    `json:"metrics"`
	Services       []ServiceInfo           `json:"services"`
	ActiveProjects []string                `json:"activeProjects"`
	Timers         []string                `json:"timers"`
	Alerts         []Alert                 `json:"alerts"`
	DroppedEvents  int64                   `json:"droppedEvents"`
}

// SystemStatus gathers health, metrics, services and recent alerts. Health
// is the last sweep's result; a sweep runs now when none has happened yet.
func (e *Engine) SystemStatus(ctx context.Context) SystemStatus {
	health := e.LastHealth()
	if health.CheckedAt.IsZero() && e.Started() {
		health = e.CheckHealth(ctx)
	}

	descs := e.sup.Services()
	services := make([]ServiceInfo, 0, len(descs))
	for _, d := range descs {
		info := ServiceInfo{
			Name:         d.Name,
			State:        d.State,
			Dependencies: d.Dependencies,
			StartedAt:    d.StartedAt,
			LastError:    d.LastError,
			Restarts:     d.Restarts,
		}
		if hs, ok := health.Services[d.Name]; ok {
			info.Health = &hs
		}
		services = append(services, info)
	}

	return SystemStatus{
		Started:        e.Started(),
		Health:         health,
		Metrics:        e.Metrics(),
		Services:       services,
		ActiveProjects: e.ActiveProjects(),
		Timers:         e.Timers(),
		Alerts:         e.Alerts(20),
		DroppedEvents:  e.bus.Dropped(),
	}
}
