package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/controlplane/internal/orchestrator"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/server"
	"github.com/aristath/controlplane/internal/supervisor"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   []byte
}

// stubAPI serves canned /v1 responses and records every request.
func stubAPI(t *testing.T) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	proj := func(id string, status project.Status) *project.Project {
		return &project.Project{ID: id, Status: status, Requirements: project.Requirements{Description: "billing"}}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/system/status", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, orchestrator.SystemStatus{
			Started: true,
			Health: supervisor.SystemHealth{
				Status:    supervisor.Degraded,
				Services:  map[string]supervisor.HealthStatus{"agent-pool": {Status: supervisor.Unhealthy}},
				CheckedAt: now,
			},
			Metrics:  orchestrator.OrchestrationMetrics{TotalProjects: 3, ActiveProjects: 1},
			Services: []orchestrator.ServiceInfo{{Name: "agent-pool", State: supervisor.StateRunning, StartedAt: now}},
			Alerts:   []orchestrator.Alert{{Level: orchestrator.AlertWarning, Source: "health", Message: "agent-pool unhealthy", Timestamp: now}},
		})
	})
	mux.HandleFunc("GET /v1/system/alerts", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []orchestrator.Alert{})
	})
	mux.HandleFunc("POST /v1/projects", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusCreated, proj("p-1", project.StatusActive))
	})
	mux.HandleFunc("GET /v1/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "p-1" {
			write(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "not_found", "message": "project not found"}})
			return
		}
		write(w, http.StatusOK, orchestrator.ProjectStatus{
			Project: proj("p-1", project.StatusActive),
			Active:  true,
			Assignments: []orchestrator.Assignment{{
				ProjectID: "p-1", TaskID: "task-1", AgentID: "agent-1",
				Status: orchestrator.AssignmentRunning, Score: 0.81, AssignedAt: now,
			}},
		})
	})
	mux.HandleFunc("POST /v1/projects/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, proj(r.PathValue("id"), project.StatusPaused))
	})
	mux.HandleFunc("POST /v1/services/{name}/restart", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, orchestrator.ServiceInfo{Name: r.PathValue("name"), State: supervisor.StateRunning, Restarts: 1})
	})
	mux.HandleFunc("GET /v1/services/{name}", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, orchestrator.ServiceInfo{
			Name:    r.PathValue("name"),
			State:   supervisor.StateRunning,
			Metrics: map[string]any{"agents": 2, "available": 1},
		})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body.Bytes()})
		mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(calls)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStatusRendersTables(t *testing.T) {
	srv, _ := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Health: degraded")
	assert.Contains(t, out, "agent-pool")
	assert.Contains(t, out, "unhealthy")
	assert.Contains(t, out, "agent-pool unhealthy")
}

func TestStatusJSON(t *testing.T) {
	srv, _ := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "--json", "status")
	require.NoError(t, err)

	var st orchestrator.SystemStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.Metrics.TotalProjects)
	assert.Equal(t, supervisor.Degraded, st.Health.Status)
}

func TestProjectCreateSendsRequirements(t *testing.T) {
	srv, calls := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "--token", "secret-token",
		"project", "create", "-d", "billing", "-r", "Set up schema", "-r", "Build API", "--threshold", "0.8")
	require.NoError(t, err)
	assert.Contains(t, out, "Created project p-1 (active)")

	got := calls()
	require.Len(t, got, 1)
	call := got[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/v1/projects", call.path)
	assert.Equal(t, "Bearer secret-token", call.auth)

	var req server.CreateProjectRequest
	require.NoError(t, json.Unmarshal(call.body, &req))
	assert.Equal(t, []string{"Set up schema", "Build API"}, req.Requirements)
	require.NotNil(t, req.Config)
	assert.InDelta(t, 0.8, req.Config.QualityThreshold, 1e-9)
}

func TestProjectCreateNeedsRequirements(t *testing.T) {
	srv, calls := stubAPI(t)

	_, err := run(t, "--addr", srv.URL, "project", "create", "-d", "empty")
	require.Error(t, err)
	assert.Empty(t, calls())
}

func TestProjectShowAndPause(t *testing.T) {
	srv, _ := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "project", "show", "p-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Project: p-1 (active)")
	assert.Contains(t, out, "task-1")
	assert.Contains(t, out, "0.81")

	out, err = run(t, "--addr", srv.URL, "project", "pause", "p-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Project p-1 is now paused")
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv, _ := stubAPI(t)

	_, err := run(t, "--addr", srv.URL, "project", "show", "missing")
	require.Error(t, err)

	var reqErr *requestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.Status)
	assert.Equal(t, "not_found", reqErr.Code)
	assert.Equal(t, "project not found", reqErr.Message)
}

func TestServiceCommands(t *testing.T) {
	srv, calls := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "service", "show", "agent-pool")
	require.NoError(t, err)
	assert.Contains(t, out, "Service: agent-pool (running)")
	assert.Contains(t, out, "available")

	out, err = run(t, "--addr", srv.URL, "service", "restart", "agent-pool", "--reason", "stuck")
	require.NoError(t, err)
	assert.Contains(t, out, "Service agent-pool restarted")

	got := calls()
	last := got[len(got)-1]
	var body server.RestartRequest
	require.NoError(t, json.Unmarshal(last.body, &body))
	assert.Equal(t, "stuck", body.Reason)
}

func TestAlertsEmpty(t *testing.T) {
	srv, _ := stubAPI(t)

	out, err := run(t, "--addr", srv.URL, "alerts")
	require.NoError(t, err)
	assert.Contains(t, out, "No alerts.")
}

func TestConfigInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server:")

	_, err = run(t, "--config", path, "config", "init")
	require.Error(t, err)

	_, err = run(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)
}
