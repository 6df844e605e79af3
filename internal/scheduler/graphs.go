package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/supervisor"
)

// ServiceName is the name the graph provider registers under.
const ServiceName = "task-graph"

// ErrUnknownGraph is returned for a project with no registered graph.
var ErrUnknownGraph = errors.New("no task graph for project")

// Store persists graph snapshots.
type Store interface {
	SaveServiceData(ctx context.Context, key string, value any) error
	LoadServiceData(ctx context.Context, key string, dest any) (bool, error)
}

// GraphService holds one task graph per project and persists a snapshot of
// each graph after every change. It implements supervisor.Service.
type GraphService struct {
	mu      sync.RWMutex
	graphs  map[string]*Graph
	store   Store
	logger  *slog.Logger
	running bool
}

// NewGraphService creates a graph provider. store may be nil.
func NewGraphService(store Store, logger *slog.Logger) *GraphService {
	return &GraphService{
		graphs: make(map[string]*Graph),
		store:  store,
		logger: logging.Component(logger, ServiceName),
	}
}

// Factory returns a supervisor factory for the graph provider.
func Factory(store Store, logger *slog.Logger) supervisor.Factory {
	return func(ctx context.Context, cfg map[string]any) (supervisor.Service, error) {
		return NewGraphService(store, logger), nil
	}
}

func (s *GraphService) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *GraphService) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("stopped", "reason", reason)
	return nil
}

// Restart keeps registered graphs.
func (s *GraphService) Restart(ctx context.Context, reason string) error {
	if err := s.Stop(ctx, reason); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *GraphService) HealthStatus(ctx context.Context) (supervisor.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := supervisor.HealthStatus{
		Status:    supervisor.Healthy,
		Details:   map[string]any{"graphs": len(s.graphs)},
		CheckedAt: time.Now(),
	}
	if !s.running {
		hs.Status = supervisor.Unhealthy
		hs.Message = "not running"
	}
	return hs, nil
}

// Metrics reports graph counts.
func (s *GraphService) Metrics(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	complete := 0
	for _, g := range s.graphs {
		if g.Complete() {
			complete++
		}
	}
	return map[string]any{"graphs": len(s.graphs), "complete": complete}, nil
}

// RegisterGraph validates nodes and installs them as the project's graph,
// replacing any previous one.
func (s *GraphService) RegisterGraph(ctx context.Context, projectID string, nodes []TaskNode) error {
	g, err := NewGraph(nodes)
	if err != nil {
		return fmt.Errorf("register graph for %s: %w", projectID, err)
	}
	s.mu.Lock()
	s.graphs[projectID] = g
	s.mu.Unlock()

	s.persist(ctx, projectID, g)
	return nil
}

// Restore reloads a project's graph from its persisted snapshot. It
// returns false when no snapshot exists.
func (s *GraphService) Restore(ctx context.Context, projectID string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	var snaps []NodeSnapshot
	found, err := s.store.LoadServiceData(ctx, snapshotKey(projectID), &snaps)
	if err != nil || !found {
		return false, err
	}
	g, err := graphFromSnapshot(snaps)
	if err != nil {
		return false, fmt.Errorf("restore graph for %s: %w", projectID, err)
	}
	s.mu.Lock()
	s.graphs[projectID] = g
	s.mu.Unlock()
	return true, nil
}

func snapshotKey(projectID string) string {
	return ServiceName + "/" + projectID
}

// Remove drops a project's graph.
func (s *GraphService) Remove(projectID string) {
	s.mu.Lock()
	delete(s.graphs, projectID)
	s.mu.Unlock()
}

func (s *GraphService) graph(projectID string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, projectID)
	}
	return g, nil
}

func (s *GraphService) persist(ctx context.Context, projectID string, g *Graph) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveServiceData(ctx, snapshotKey(projectID), g.Snapshot()); err != nil {
		s.logger.Warn("persist graph snapshot failed", "project", projectID, "error", err)
	}
}

// FindReadyTasks returns nodes whose dependencies are satisfied.
func (s *GraphService) FindReadyTasks(ctx context.Context, projectID string) ([]TaskNode, error) {
	g, err := s.graph(projectID)
	if err != nil {
		return nil, err
	}
	return g.Ready(), nil
}

// MarkCompleted records a completion. gateBlocked reports an unmet
// downstream quality gate.
func (s *GraphService) MarkCompleted(ctx context.Context, projectID, taskID string, quality float64) (gateBlocked bool, err error) {
	g, err := s.graph(projectID)
	if err != nil {
		return false, err
	}
	blocked, err := g.MarkCompleted(taskID, quality)
	if err != nil {
		return false, err
	}
	s.persist(ctx, projectID, g)
	return blocked, nil
}

// RecordQuality updates the quality of a completed task.
func (s *GraphService) RecordQuality(ctx context.Context, projectID, taskID string, quality float64) (gateBlocked bool, err error) {
	g, err := s.graph(projectID)
	if err != nil {
		return false, err
	}
	blocked, err := g.RecordQuality(taskID, quality)
	if err != nil {
		return false, err
	}
	s.persist(ctx, projectID, g)
	return blocked, nil
}

// MarkFailed records a failed attempt.
func (s *GraphService) MarkFailed(ctx context.Context, projectID, taskID string, maxRetries int) (exhausted bool, err error) {
	g, err := s.graph(projectID)
	if err != nil {
		return false, err
	}
	exhausted, err = g.MarkFailed(taskID, maxRetries)
	if err != nil {
		return false, err
	}
	s.persist(ctx, projectID, g)
	return exhausted, nil
}

// Reopen sends a completed task back for rework.
func (s *GraphService) Reopen(ctx context.Context, projectID, taskID string, maxRetries int) (exhausted bool, err error) {
	g, err := s.graph(projectID)
	if err != nil {
		return false, err
	}
	exhausted, err = g.Reopen(taskID, maxRetries)
	if err != nil {
		return false, err
	}
	s.persist(ctx, projectID, g)
	return exhausted, nil
}

// IsComplete reports whether every task of the project has completed.
func (s *GraphService) IsComplete(ctx context.Context, projectID string) (bool, error) {
	g, err := s.graph(projectID)
	if err != nil {
		return false, err
	}
	return g.Complete(), nil
}

// QualityOverview summarizes a project's graph.
func (s *GraphService) QualityOverview(ctx context.Context, projectID string) (QualityOverview, error) {
	g, err := s.graph(projectID)
	if err != nil {
		return QualityOverview{}, err
	}
	return g.Overview(), nil
}

// Snapshot returns all nodes of a project's graph with their state.
func (s *GraphService) Snapshot(ctx context.Context, projectID string) ([]NodeSnapshot, error) {
	g, err := s.graph(projectID)
	if err != nil {
		return nil, err
	}
	return g.Snapshot(), nil
}
