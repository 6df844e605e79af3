package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultAgents is the pool used when no agents are configured.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			ID:   "backend-dev",
			Name: "Backend Developer",
			Capabilities: map[string]float64{
				"setup": 0.8, "backend": 0.9, "database": 0.75, "development": 0.8,
			},
		},
		{
			ID:   "frontend-dev",
			Name: "Frontend Developer",
			Capabilities: map[string]float64{
				"setup": 0.6, "frontend": 0.9, "design": 0.8, "development": 0.75,
			},
		},
		{
			ID:   "qa-engineer",
			Name: "QA Engineer",
			Capabilities: map[string]float64{
				"testing": 0.9, "review": 0.85,
			},
		},
		{
			ID:   "generalist",
			Name: "Generalist",
			Capabilities: map[string]float64{
				"setup": 0.7, "backend": 0.6, "frontend": 0.6, "design": 0.5,
				"database": 0.6, "testing": 0.6, "review": 0.6, "development": 0.7,
			},
		},
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{Path: "~/.controlplane/controlplane.db"},
		Engine: EngineConfig{
			TaskInterval:        10 * time.Second,
			HealthInterval:      30 * time.Second,
			LoadBalanceInterval: 60 * time.Second,
			MetricsInterval:     60 * time.Second,
			MaxConcurrentTasks:  10,
			ShutdownTimeout:     30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
		},
		Restart: RestartConfig{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  60 * time.Second,
		},
		Project: ProjectConfig{
			MaxConcurrentTasks: 3,
			QualityThreshold:   0.8,
			MaxRetries:         2,
		},
		Tracker: TrackerConfig{DefaultWeight: 0.75, Smoothing: 0.3},
		Agents:  DefaultAgents(),
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// setDefaults registers every key so env overrides apply to all of them.
func setDefaults(v *viper.Viper) {
	for key, value := range document(DefaultConfig()) {
		v.SetDefault(key, value)
	}
}
