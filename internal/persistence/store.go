package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/supervisor"
)

// ServiceName is the name the store registers under with the supervisor.
const ServiceName = "storage"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable storage the engine depends on.
type Store interface {
	SaveProject(ctx context.Context, p *project.Project) error
	LoadProject(ctx context.Context, id string) (*project.Project, error)
	LoadAllProjects(ctx context.Context) ([]*project.Project, error)
	SaveSystemHealth(ctx context.Context, h supervisor.SystemHealth) error
	SaveServiceData(ctx context.Context, key string, value any) error
	LoadServiceData(ctx context.Context, key string, dest any) (bool, error)
	Close() error
}

// SQLiteStore implements Store using SQLite. It is also a supervised
// service whose health is a database ping.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr, logger)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own database; the shared cache lets the pool's connections see it.
func NewMemoryStore(ctx context.Context, logger *slog.Logger) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr, logger)
}

func open(ctx context.Context, connStr string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer plus one reader.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, logger: logging.Component(logger, ServiceName)}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Factory returns a supervisor factory that hands out this store.
func (s *SQLiteStore) Factory() supervisor.Factory {
	return func(ctx context.Context, cfg map[string]any) (supervisor.Service, error) {
		return s, nil
	}
}

// Start verifies the database is reachable.
func (s *SQLiteStore) Start(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop marks the service stopped. The connection stays open until Close so
// that late writers during shutdown still succeed.
func (s *SQLiteStore) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("stopped", "reason", reason)
	return nil
}

func (s *SQLiteStore) Restart(ctx context.Context, reason string) error {
	if err := s.Stop(ctx, reason); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *SQLiteStore) HealthStatus(ctx context.Context) (supervisor.HealthStatus, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	hs := supervisor.HealthStatus{Status: supervisor.Healthy, CheckedAt: time.Now()}
	if !running {
		hs.Status = supervisor.Unhealthy
		hs.Message = "not running"
		return hs, nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		hs.Status = supervisor.Unhealthy
		hs.Message = err.Error()
		return hs, nil
	}
	stats := s.db.Stats()
	hs.Details = map[string]any{
		"openConnections": stats.OpenConnections,
		"inUse":           stats.InUse,
	}
	return hs, nil
}
