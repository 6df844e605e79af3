// Package supervisor starts, stops, restarts and tracks the named internal
// services of the control plane, respecting their declared dependencies.
package supervisor

import (
	"context"
	"time"
)

// Service is the lifecycle shape every supervised collaborator exposes.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, reason string) error
	Restart(ctx context.Context, reason string) error
	HealthStatus(ctx context.Context) (HealthStatus, error)
}

// MetricsReporter is implemented by services that expose an opaque metrics object.
type MetricsReporter interface {
	Metrics(ctx context.Context) (map[string]any, error)
}

// Factory constructs a service from its descriptor configuration.
// It is resolved at bootstrap, not at registration.
type Factory func(ctx context.Context, cfg map[string]any) (Service, error)

// State is the lifecycle state of a supervised service.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// Descriptor describes a supervised service. Only the Supervisor mutates
// State, StartedAt, LastError and Restarts.
type Descriptor struct {
	Name         string
	Dependencies []string
	Config       map[string]any

	State     State
	StartedAt time.Time
	LastError string
	Restarts  int
}

func (d Descriptor) clone() Descriptor {
	cp := d
	if d.Dependencies != nil {
		cp.Dependencies = append([]string(nil), d.Dependencies...)
	}
	if d.Config != nil {
		cp.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			cp.Config[k] = v
		}
	}
	return cp
}

// Health is a health verdict for a service or the whole system.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// HealthStatus is a single service's health snapshot.
type HealthStatus struct {
	Status    Health         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// SystemHealth aggregates per-service health.
type SystemHealth struct {
	Status    Health                  `json:"status"`
	Services  map[string]HealthStatus `json:"services"`
	CheckedAt time.Time               `json:"checkedAt"`
}
