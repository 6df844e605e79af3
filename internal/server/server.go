// Package server exposes the control plane's public API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/orchestrator"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/supervisor"
)

// API is the slice of the engine the HTTP layer drives.
type API interface {
	CreateProject(ctx context.Context, req project.Requirements, cfg project.Config) (*project.Project, error)
	PauseProject(ctx context.Context, id string) (*project.Project, error)
	ResumeProject(ctx context.Context, id string) (*project.Project, error)
	ProjectStatus(ctx context.Context, id string) (orchestrator.ProjectStatus, error)
	SystemStatus(ctx context.Context) orchestrator.SystemStatus
	Alerts(limit int) []orchestrator.Alert
	ServiceStatus(ctx context.Context, name string) (orchestrator.ServiceInfo, error)
	RestartService(ctx context.Context, name, reason string) (orchestrator.ServiceInfo, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   API
	BasePath string // default "/v1"
	Auth     AuthConfig
	// Gatherer backs /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the {"error": {...}} envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the control-plane API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.Component(cfg.Logger, "http")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	hcfg := huma.DefaultConfig("Control Plane API", "1.0.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSystem(group, cfg.Engine)
	registerServices(group, cfg.Engine)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var perr *orchestrator.PlanningError
	switch {
	case errors.As(err, &perr):
		return newAPIError(http.StatusUnprocessableEntity, "planning_failed", err.Error(), map[string]any{"projectId": perr.ProjectID})
	case errors.Is(err, orchestrator.ErrProjectNotFound), errors.Is(err, supervisor.ErrUnknownService):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidTransition), errors.Is(err, supervisor.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidConfig):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotStarted), errors.Is(err, orchestrator.ErrServiceUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ID string `path:"id"`
}

func registerProjects(api huma.API, e API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create and plan a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*ProjectOutput, error) {
		if len(input.Body.Requirements) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requirements are required", nil)
		}
		p, err := e.CreateProject(ctx, input.Body.requirements(), input.Body.config())
		if err != nil {
			return nil, handleError(err)
		}
		return &ProjectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Project status with assignments and quality",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body orchestrator.ProjectStatus `json:"body"`
	}, error) {
		st, err := e.ProjectStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.ProjectStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/pause",
		Summary:     "Pause an active project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*ProjectOutput, error) {
		p, err := e.PauseProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ProjectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/resume",
		Summary:     "Resume a paused project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*ProjectOutput, error) {
		p, err := e.ResumeProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ProjectOutput{Body: p}, nil
	})
}

func registerSystem(api huma.API, e API) {
	huma.Register(api, huma.Operation{
		OperationID: "system-status",
		Method:      http.MethodGet,
		Path:        "/system/status",
		Summary:     "Health, metrics, services and recent alerts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.SystemStatus `json:"body"`
	}, error) {
		return &struct {
			Body orchestrator.SystemStatus `json:"body"`
		}{Body: e.SystemStatus(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "system-alerts",
		Method:      http.MethodGet,
		Path:        "/system/alerts",
		Summary:     "Recent alerts, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" default:"50"`
	}) (*struct {
		Body []orchestrator.Alert `json:"body"`
	}, error) {
		return &struct {
			Body []orchestrator.Alert `json:"body"`
		}{Body: e.Alerts(input.Limit)}, nil
	})
}

type servicePath struct {
	Name string `path:"name"`
}

func registerServices(api huma.API, e API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/services/{name}",
		Summary:     "Service state, health and metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*ServiceOutput, error) {
		info, err := e.ServiceStatus(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &ServiceOutput{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-service",
		Method:      http.MethodPost,
		Path:        "/services/{name}/restart",
		Summary:     "Restart a running or failed service",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Name string          `path:"name"`
		Body *RestartRequest `json:"body,omitempty" required:"false"`
	}) (*ServiceOutput, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		info, err := e.RestartService(ctx, input.Name, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &ServiceOutput{Body: info}, nil
	})
}
