package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/supervisor"
)

// SaveProject upserts a project.
func (s *SQLiteStore) SaveProject(ctx context.Context, p *project.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", p.ID, err)
	}
	created := p.Timestamps.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := p.Timestamps.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, p.ID, string(p.Status), string(data), created.UTC(), updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to save project %s: %w", p.ID, err)
	}
	return nil
}

// LoadProject returns a project by ID, or an error wrapping ErrNotFound.
func (s *SQLiteStore) LoadProject(ctx context.Context, id string) (*project.Project, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM projects WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	return decodeProject(data)
}

// LoadAllProjects returns every project in creation order.
func (s *SQLiteStore) LoadAllProjects(ctx context.Context) ([]*project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*project.Project
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p, err := decodeProject(data)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

func decodeProject(data string) (*project.Project, error) {
	var p project.Project
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode project: %w", err)
	}
	return &p, nil
}

// SaveSystemHealth appends a health snapshot, keeping the most recent ones.
func (s *SQLiteStore) SaveSystemHealth(ctx context.Context, h supervisor.SystemHealth) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal system health: %w", err)
	}
	checked := h.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_health (status, data, checked_at) VALUES (?, ?, ?)`,
		string(h.Status), string(data), checked.UTC(),
	); err != nil {
		return fmt.Errorf("failed to save system health: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM system_health WHERE id NOT IN (
			SELECT id FROM system_health ORDER BY id DESC LIMIT ?
		)`, healthHistoryLimit,
	); err != nil {
		return fmt.Errorf("failed to prune system health: %w", err)
	}
	return tx.Commit()
}

// SaveServiceData stores value as JSON under key, replacing any previous value.
func (s *SQLiteStore) SaveServiceData(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal service data %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_data (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to save service data %s: %w", key, err)
	}
	return nil
}

// LoadServiceData decodes the value stored under key into dest. It returns
// false when the key does not exist.
func (s *SQLiteStore) LoadServiceData(ctx context.Context, key string, dest any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM service_data WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load service data %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to decode service data %s: %w", key, err)
	}
	return true, nil
}

// Metrics reports row counts per table.
func (s *SQLiteStore) Metrics(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any, 3)
	for _, table := range []string{"projects", "system_health", "service_data"} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
