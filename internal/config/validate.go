package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/controlplane/internal/agents"
	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/supervisor"
)

// Validate checks ranges and agent uniqueness.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"engine.task_interval":         c.Engine.TaskInterval,
		"engine.health_interval":       c.Engine.HealthInterval,
		"engine.load_balance_interval": c.Engine.LoadBalanceInterval,
		"engine.metrics_interval":      c.Engine.MetricsInterval,
		"engine.shutdown_timeout":      c.Engine.ShutdownTimeout,
		"engine.health_check_timeout":  c.Engine.HealthCheckTimeout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.Engine.MaxConcurrentTasks <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_tasks must be positive"))
	}
	if err := c.ProjectDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("project: %w", err))
	}
	if c.Tracker.DefaultWeight < 0 || c.Tracker.DefaultWeight > 1 {
		errs = append(errs, fmt.Errorf("tracker.default_weight must be within [0,1]"))
	}
	if c.Tracker.Smoothing <= 0 || c.Tracker.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("tracker.smoothing must be within (0,1]"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ProjectDefaults converts the project section to per-project defaults.
func (c *Config) ProjectDefaults() project.Config {
	return project.Config{
		MaxConcurrentTasks: c.Project.MaxConcurrentTasks,
		QualityThreshold:   c.Project.QualityThreshold,
		Retry:              project.RetryPolicy{MaxRetries: c.Project.MaxRetries},
	}
}

// RestartPolicy converts the restart section.
func (c *Config) RestartPolicy() supervisor.RestartPolicy {
	return supervisor.RestartPolicy{
		Enabled:         c.Restart.Enabled,
		MaxAttempts:     c.Restart.MaxAttempts,
		InitialInterval: c.Restart.InitialInterval,
		MaxInterval:     c.Restart.MaxInterval,
		BreakerFailures: c.Restart.BreakerFailures,
		BreakerTimeout:  c.Restart.BreakerTimeout,
	}
}

// TrackerOptions converts the tracker section.
func (c *Config) TrackerOptions() agents.TrackerOptions {
	return agents.TrackerOptions{
		DefaultWeight: c.Tracker.DefaultWeight,
		Smoothing:     c.Tracker.Smoothing,
	}
}

// AgentSpecs converts configured agents to pool specs.
func (c *Config) AgentSpecs() []agents.Spec {
	specs := make([]agents.Spec, 0, len(c.Agents))
	for _, a := range c.Agents {
		specs = append(specs, agents.Spec{ID: a.ID, Name: a.Name, Capabilities: a.Capabilities})
	}
	return specs
}

// LoggingOptions converts the log section.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
	}
}
