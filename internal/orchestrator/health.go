package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/supervisor"
)

// CheckHealth queries every registered service concurrently, each call
// bounded by HealthCheckTimeout. Any service that errors, hangs or reports
// anything but healthy makes the aggregate degraded; the others keep their
// own verdicts. The aggregate is persisted and published as system.health.
func (e *Engine) CheckHealth(ctx context.Context) supervisor.SystemHealth {
	descs := e.sup.Services()

	var (
		mu      sync.Mutex
		results = make(map[string]supervisor.HealthStatus, len(descs))
		g       errgroup.Group
	)
	for _, d := range descs {
		g.Go(func() error {
			hs := e.serviceHealth(ctx, d)
			mu.Lock()
			results[d.Name] = hs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sys := supervisor.SystemHealth{Status: supervisor.Healthy, Services: results, CheckedAt: e.now()}
	for _, hs := range results {
		if hs.Status != supervisor.Healthy {
			sys.Status = supervisor.Degraded
		}
	}

	e.mu.Lock()
	prev := e.lastHealth
	e.lastHealth = sys
	e.mu.Unlock()

	for name, hs := range results {
		e.prom.serviceHealth.WithLabelValues(name).Set(healthValue(hs.Status))
		if hs.Status == supervisor.Healthy {
			continue
		}
		if old, ok := prev.Services[name]; ok && old.Status == hs.Status {
			continue
		}
		level := AlertWarning
		if hs.Status == supervisor.Unhealthy {
			level = AlertCritical
		}
		e.alert(Alert{Level: level, Source: "health", Service: name, Message: hs.Message})
	}
	if sys.Status != prev.Status {
		e.log.Info("system health changed", "from", prev.Status, "to", sys.Status)
	}

	if err := e.store.SaveSystemHealth(ctx, sys); err != nil {
		e.log.Warn("persisting system health failed", "error", err)
	}
	e.bus.Publish(events.SystemHealth, sys)
	return sys
}

// serviceHealth asks one service for its health, racing the call against
// the health-check timeout.
func (e *Engine) serviceHealth(ctx context.Context, d supervisor.Descriptor) supervisor.HealthStatus {
	now := e.now()
	if d.State != supervisor.StateRunning {
		msg := "service is " + string(d.State)
		if d.LastError != "" {
			msg += ": " + d.LastError
		}
		return supervisor.HealthStatus{Status: supervisor.Unhealthy, Message: msg, CheckedAt: now}
	}
	svc, ok := e.sup.Instance(d.Name)
	if !ok {
		return supervisor.HealthStatus{Status: supervisor.Unhealthy, Message: "service is not running", CheckedAt: now}
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.opts.HealthCheckTimeout)
	defer cancel()

	type result struct {
		hs  supervisor.HealthStatus
		err error
	}
	done := make(chan result, 1)
	go func() {
		hs, err := svc.HealthStatus(checkCtx)
		done <- result{hs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.log.Warn("health check failed", "service", d.Name, "error", r.err)
			return supervisor.HealthStatus{Status: supervisor.Unhealthy, Message: r.err.Error(), CheckedAt: now}
		}
		if r.hs.Status == "" {
			r.hs.Status = supervisor.Unhealthy
		}
		if r.hs.CheckedAt.IsZero() {
			r.hs.CheckedAt = now
		}
		return r.hs
	case <-checkCtx.Done():
		e.log.Warn("health check timed out", "service", d.Name, "timeout", e.opts.HealthCheckTimeout)
		return supervisor.HealthStatus{Status: supervisor.Unhealthy, Message: "health check timed out", CheckedAt: now}
	}
}

func healthValue(h supervisor.Health) float64 {
	switch h {
	case supervisor.Healthy:
		return 1
	case supervisor.Degraded:
		return 0.5
	default:
		return 0
	}
}

// LastHealth returns the most recent aggregate health.
func (e *Engine) LastHealth() supervisor.SystemHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHealth
}

// restartFailedServices runs on the health_coordination timer and tries
// to bring back every service the supervisor has marked failed.
func (e *Engine) restartFailedServices(ctx context.Context) {
	if !e.restarter.Enabled() {
		return
	}
	for _, d := range e.sup.Services() {
		if d.State != supervisor.StateFailed {
			continue
		}
		e.autoRestart(ctx, d.Name, "health coordination: "+d.LastError)
	}
}

func (e *Engine) autoRestart(ctx context.Context, name, reason string) {
	if err := e.restarter.Restart(ctx, name, reason); err != nil {
		e.log.Error("auto-restart failed", "service", name, "error", err)
		e.alert(Alert{Level: AlertCritical, Source: "restart", Service: name, Message: err.Error()})
		return
	}
	e.log.Info("service restarted", "service", name, "reason", reason)
	e.bus.Publish(events.ServiceRestarted, events.ServicePayload{Service: name, Reason: reason})
}

// handleServiceError records the error and, when the restart policy allows,
// restarts that one service.
func (e *Engine) handleServiceError(ctx context.Context, ev events.Event) {
	pl, ok := servicePayload(ev)
	if !ok {
		return
	}
	e.log.Warn("service reported error", "service", pl.Service, "error", pl.Error)
	e.alert(Alert{Level: AlertWarning, Source: "service", Service: pl.Service, Message: pl.Error})
	if !e.restarter.Enabled() {
		return
	}
	e.autoRestart(ctx, pl.Service, "service error: "+pl.Error)
}

func servicePayload(ev events.Event) (events.ServicePayload, bool) {
	switch d := ev.Data.(type) {
	case events.ServicePayload:
		return d, d.Service != ""
	case *events.ServicePayload:
		if d != nil {
			return *d, d.Service != ""
		}
	}
	return events.ServicePayload{}, false
}

// ServiceInfo is a service descriptor with its current health and metrics.
type ServiceInfo struct {
	Name         string                   `json:"name"`
	State        supervisor.State         `json:"state"`
	Dependencies []string                 `json:"dependencies,omitempty"`
	StartedAt    time.Time                `json:"startedAt"`
	LastError    string                   `json:"lastError,omitempty"`
	Restarts     int                      `json:"restarts"`
	Health       *supervisor.HealthStatus `json:"health,omitempty"`
	Metrics      map[string]any           `json:"metrics,omitempty"`
}

// ServiceStatus describes one supervised service.
func (e *Engine) ServiceStatus(ctx context.Context, name string) (ServiceInfo, error) {
	d, err := e.sup.Status(name)
	if err != nil {
		return ServiceInfo{}, err
	}
	info := ServiceInfo{
		Name:         d.Name,
		State:        d.State,
		Dependencies: d.Dependencies,
		StartedAt:    d.StartedAt,
		LastError:    d.LastError,
		Restarts:     d.Restarts,
	}
	if d.State == supervisor.StateRunning {
		hs := e.serviceHealth(ctx, d)
		info.Health = &hs
		if svc, ok := e.sup.Instance(name); ok {
			if mr, ok := svc.(supervisor.MetricsReporter); ok {
				if m, err := mr.Metrics(ctx); err == nil {
					info.Metrics = m
				}
			}
		}
	}
	return info, nil
}

// RestartService restarts a named service on operator request. Unlike the
// automatic path the outcome is returned.
func (e *Engine) RestartService(ctx context.Context, name, reason string) (ServiceInfo, error) {
	if !e.Started() {
		return ServiceInfo{}, ErrNotStarted
	}
	if reason == "" {
		reason = "operator request"
	}
	if err := e.sup.TryRestart(ctx, name, reason); err != nil {
		if !errors.Is(err, supervisor.ErrUnknownService) && !errors.Is(err, supervisor.ErrInvalidState) {
			e.alert(Alert{Level: AlertCritical, Source: "restart", Service: name, Message: err.Error()})
		}
		return ServiceInfo{}, fmt.Errorf("restarting service: %w", err)
	}
	e.bus.Publish(events.ServiceRestarted, events.ServicePayload{Service: name, Reason: reason})
	return e.ServiceStatus(ctx, name)
}
