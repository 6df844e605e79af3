package config

import "time"

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables auth
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig sets timer intervals and global limits.
type EngineConfig struct {
	TaskInterval        time.Duration `mapstructure:"task_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	LoadBalanceInterval time.Duration `mapstructure:"load_balance_interval"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	MaxConcurrentTasks  int           `mapstructure:"max_concurrent_tasks"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
}

// RestartConfig controls automatic service restarts.
type RestartConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// ProjectConfig holds defaults applied to new projects.
type ProjectConfig struct {
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
	QualityThreshold   float64 `mapstructure:"quality_threshold"`
	MaxRetries         int     `mapstructure:"max_retries"`
}

// TrackerConfig tunes agent performance weights.
type TrackerConfig struct {
	DefaultWeight float64 `mapstructure:"default_weight"`
	Smoothing     float64 `mapstructure:"smoothing"`
}

// AgentConfig seeds one agent into the pool. Capabilities map a tag to an
// efficiency in [0,1].
type AgentConfig struct {
	ID           string             `mapstructure:"id"`
	Name         string             `mapstructure:"name"`
	Capabilities map[string]float64 `mapstructure:"capabilities"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Restart RestartConfig `mapstructure:"restart"`
	Project ProjectConfig `mapstructure:"project"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Agents  []AgentConfig `mapstructure:"agents"`
	Log     LogConfig     `mapstructure:"log"`
}
