package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/scheduler"
	"github.com/aristath/controlplane/internal/supervisor"
)

// TrackerServiceName is the name the performance tracker registers under.
const TrackerServiceName = "performance-tracker"

const trackerDataKey = TrackerServiceName + "/agents"

// Store persists tracker state between restarts.
type Store interface {
	SaveServiceData(ctx context.Context, key string, value any) error
	LoadServiceData(ctx context.Context, key string, dest any) (bool, error)
}

// TrackerOptions tune weight calculation.
type TrackerOptions struct {
	DefaultWeight float64 // weight of an agent with no history
	Smoothing     float64 // EMA factor applied to each new outcome
}

// DefaultTrackerOptions returns 0.75 / 0.3.
func DefaultTrackerOptions() TrackerOptions {
	return TrackerOptions{DefaultWeight: 0.75, Smoothing: 0.3}
}

// Outcome is the result of one finished task.
type Outcome struct {
	Success  bool
	Quality  float64
	Duration time.Duration
}

// AgentStats is an agent's performance history.
type AgentStats struct {
	Weight        float64       `json:"weight"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	QualitySum    float64       `json:"qualitySum"`
	TotalDuration time.Duration `json:"totalDuration"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// GlobalMetrics aggregates every agent's history.
type GlobalMetrics struct {
	Agents         int     `json:"agents"`
	TotalTasks     int     `json:"totalTasks"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"successRate"`
	AverageQuality float64 `json:"averageQuality"`
	AverageWeight  float64 `json:"averageWeight"`
}

// Tracker keeps a performance weight per agent. It implements supervisor.Service.
type Tracker struct {
	mu      sync.RWMutex
	stats   map[string]*AgentStats
	opts    TrackerOptions
	store   Store
	running bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(opts TrackerOptions, store Store, logger *slog.Logger) *Tracker {
	def := DefaultTrackerOptions()
	if opts.DefaultWeight <= 0 {
		opts.DefaultWeight = def.DefaultWeight
	}
	if opts.Smoothing <= 0 || opts.Smoothing > 1 {
		opts.Smoothing = def.Smoothing
	}
	opts.DefaultWeight = scheduler.Clamp01(opts.DefaultWeight)
	return &Tracker{
		stats:  make(map[string]*AgentStats),
		opts:   opts,
		store:  store,
		logger: logging.Component(logger, TrackerServiceName),
		now:    time.Now,
	}
}

// TrackerFactory returns a supervisor factory for the tracker.
func TrackerFactory(opts TrackerOptions, store Store, logger *slog.Logger) supervisor.Factory {
	return func(ctx context.Context, cfg map[string]any) (supervisor.Service, error) {
		return NewTracker(opts, store, logger), nil
	}
}

// Start restores persisted history.
func (t *Tracker) Start(ctx context.Context) error {
	if t.store != nil {
		stats := make(map[string]*AgentStats)
		found, err := t.store.LoadServiceData(ctx, trackerDataKey, &stats)
		if err != nil {
			return fmt.Errorf("load tracker state: %w", err)
		}
		if found {
			t.mu.Lock()
			t.stats = stats
			t.mu.Unlock()
			t.logger.Info("restored agent history", "agents", len(stats))
		}
	}
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Stop(ctx context.Context, reason string) error {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.logger.Info("stopped", "reason", reason)
	return t.persist(ctx)
}

func (t *Tracker) Restart(ctx context.Context, reason string) error {
	if err := t.Stop(ctx, reason); err != nil {
		return err
	}
	return t.Start(ctx)
}

func (t *Tracker) HealthStatus(ctx context.Context) (supervisor.HealthStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hs := supervisor.HealthStatus{
		Status:    supervisor.Healthy,
		Details:   map[string]any{"agents": len(t.stats)},
		CheckedAt: t.now(),
	}
	if !t.running {
		hs.Status = supervisor.Unhealthy
		hs.Message = "not running"
	}
	return hs, nil
}

func (t *Tracker) Metrics(ctx context.Context) (map[string]any, error) {
	g := t.GlobalMetrics(ctx)
	return map[string]any{
		"agents":         g.Agents,
		"totalTasks":     g.TotalTasks,
		"successRate":    g.SuccessRate,
		"averageQuality": g.AverageQuality,
	}, nil
}

// Weight returns the agent's performance weight in [0,1].
func (t *Tracker) Weight(ctx context.Context, agentID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.stats[agentID]; ok {
		return s.Weight
	}
	return t.opts.DefaultWeight
}

// Record folds an outcome into the agent's weight: quality on success, 0 on failure.
func (t *Tracker) Record(ctx context.Context, agentID string, out Outcome) {
	t.mu.Lock()
	s, ok := t.stats[agentID]
	if !ok {
		s = &AgentStats{Weight: t.opts.DefaultWeight}
		t.stats[agentID] = s
	}
	sample := 0.0
	if out.Success {
		sample = scheduler.Clamp01(out.Quality)
		s.Completed++
		s.QualitySum += sample
	} else {
		s.Failed++
	}
	s.TotalDuration += out.Duration
	s.Weight = (1-t.opts.Smoothing)*s.Weight + t.opts.Smoothing*sample
	s.UpdatedAt = t.now()
	t.mu.Unlock()

	if err := t.persist(ctx); err != nil {
		t.logger.Warn("persist agent history failed", "agent", agentID, "error", err)
	}
}

func (t *Tracker) persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	snapshot := make(map[string]AgentStats, len(t.stats))
	for id, s := range t.stats {
		snapshot[id] = *s
	}
	t.mu.RUnlock()
	return t.store.SaveServiceData(ctx, trackerDataKey, snapshot)
}

// Stats returns one agent's history.
func (t *Tracker) Stats(agentID string) (AgentStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return *s, true
}

// GlobalMetrics aggregates history across agents.
func (t *Tracker) GlobalMetrics(ctx context.Context) GlobalMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	g := GlobalMetrics{Agents: len(t.stats)}
	var qualitySum, weightSum float64
	for _, s := range t.stats {
		g.Completed += s.Completed
		g.Failed += s.Failed
		qualitySum += s.QualitySum
		weightSum += s.Weight
	}
	g.TotalTasks = g.Completed + g.Failed
	if g.TotalTasks > 0 {
		g.SuccessRate = float64(g.Completed) / float64(g.TotalTasks)
	}
	if g.Completed > 0 {
		g.AverageQuality = qualitySum / float64(g.Completed)
	}
	if g.Agents > 0 {
		g.AverageWeight = weightSum / float64(g.Agents)
	}
	return g
}
