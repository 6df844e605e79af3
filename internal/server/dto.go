package server

import (
	"github.com/aristath/controlplane/internal/orchestrator"
	"github.com/aristath/controlplane/internal/project"
)

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Description  string         `json:"description,omitempty"`
	Requirements []string       `json:"requirements" doc:"One requirement per task"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Config       *ProjectConfig `json:"config,omitempty"`
}

// ProjectConfig overrides engine defaults for one project. Zero fields keep
// the defaults.
type ProjectConfig struct {
	MaxConcurrentTasks int     `json:"maxConcurrentTasks,omitempty"`
	QualityThreshold   float64 `json:"qualityThreshold,omitempty"`
	MaxRetries         int     `json:"maxRetries,omitempty"`
}

func (r CreateProjectRequest) requirements() project.Requirements {
	return project.Requirements{
		Description:        r.Description,
		ParsedRequirements: r.Requirements,
		Metadata:           r.Metadata,
	}
}

func (r CreateProjectRequest) config() project.Config {
	if r.Config == nil {
		return project.Config{}
	}
	return project.Config{
		MaxConcurrentTasks: r.Config.MaxConcurrentTasks,
		QualityThreshold:   r.Config.QualityThreshold,
		Retry:              project.RetryPolicy{MaxRetries: r.Config.MaxRetries},
	}
}

// RestartRequest is the optional body of POST /services/{name}/restart.
type RestartRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ProjectOutput struct {
	Body *project.Project `json:"body"`
}

type ServiceOutput struct {
	Body orchestrator.ServiceInfo `json:"body"`
}
