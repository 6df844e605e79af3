package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(nest(document(cfg)))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// document flattens cfg to dotted keys. Durations are written as strings
// ("10s") so files stay readable and round-trip through Load.
func document(cfg *Config) map[string]any {
	agentList := make([]map[string]any, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		caps := make(map[string]any, len(a.Capabilities))
		for k, v := range a.Capabilities {
			caps[k] = v
		}
		agentList = append(agentList, map[string]any{"id": a.ID, "name": a.Name, "capabilities": caps})
	}

	return map[string]any{
		"server.addr":                  cfg.Server.Addr,
		"server.jwt_secret":            cfg.Server.JWTSecret,
		"storage.path":                 cfg.Storage.Path,
		"engine.task_interval":         cfg.Engine.TaskInterval.String(),
		"engine.health_interval":       cfg.Engine.HealthInterval.String(),
		"engine.load_balance_interval": cfg.Engine.LoadBalanceInterval.String(),
		"engine.metrics_interval":      cfg.Engine.MetricsInterval.String(),
		"engine.max_concurrent_tasks":  cfg.Engine.MaxConcurrentTasks,
		"engine.shutdown_timeout":      cfg.Engine.ShutdownTimeout.String(),
		"engine.health_check_timeout":  cfg.Engine.HealthCheckTimeout.String(),
		"restart.enabled":              cfg.Restart.Enabled,
		"restart.max_attempts":         cfg.Restart.MaxAttempts,
		"restart.initial_interval":     cfg.Restart.InitialInterval.String(),
		"restart.max_interval":         cfg.Restart.MaxInterval.String(),
		"restart.breaker_failures":     cfg.Restart.BreakerFailures,
		"restart.breaker_timeout":      cfg.Restart.BreakerTimeout.String(),
		"project.max_concurrent_tasks": cfg.Project.MaxConcurrentTasks,
		"project.quality_threshold":    cfg.Project.QualityThreshold,
		"project.max_retries":          cfg.Project.MaxRetries,
		"tracker.default_weight":       cfg.Tracker.DefaultWeight,
		"tracker.smoothing":            cfg.Tracker.Smoothing,
		"agents":                       agentList,
		"log.level":                    cfg.Log.Level,
		"log.format":                   cfg.Log.Format,
	}
}

// nest turns dotted keys into nested maps.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range sortedKeys(flat) {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = flat[key]
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
