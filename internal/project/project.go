// Package project holds the Project record and its lifecycle state machine.
package project

import (
	"fmt"
	"time"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions lists the legal edges of the lifecycle:
// planning -> active -> {paused <-> active} -> {completed | failed}.
// Planning may fail directly when the task graph cannot be derived.
var transitions = map[Status][]Status{
	StatusPlanning: {StatusActive, StatusFailed},
	StatusActive:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:   {StatusActive},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Requirements is the user-submitted payload a project is planned from.
type Requirements struct {
	Description        string         `json:"description,omitempty"`
	ParsedRequirements []string       `json:"parsedRequirements"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// RetryPolicy bounds how often a failed or gate-rejected task is retried.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
}

// Config holds per-project execution settings.
type Config struct {
	MaxConcurrentTasks int         `json:"maxConcurrentTasks"`
	QualityThreshold   float64     `json:"qualityThreshold"`
	Retry              RetryPolicy `json:"retry"`
}

// DefaultConfig returns the settings used when a project specifies none.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 3,
		QualityThreshold:   0.8,
		Retry:              RetryPolicy{MaxRetries: 2},
	}
}

// WithDefaults fills zero fields from defaults.
func (c Config) WithDefaults(defaults Config) Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = defaults.QualityThreshold
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	return c
}

// Validate rejects settings outside their meaningful ranges.
func (c Config) Validate() error {
	if c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("maxConcurrentTasks must not be negative")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("qualityThreshold must be within [0,1], got %v", c.QualityThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	return nil
}

// Timestamps records when each transition happened. Zero means never.
type Timestamps struct {
	CreatedAt   time.Time `json:"createdAt"`
	PlannedAt   time.Time `json:"plannedAt,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	PausedAt    time.Time `json:"pausedAt,omitempty"`
	ResumedAt   time.Time `json:"resumedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	FailedAt    time.Time `json:"failedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Project is a user-submitted unit of work.
type Project struct {
	ID           string       `json:"id"`
	Requirements Requirements `json:"requirements"`
	Config       Config       `json:"config"`
	Status       Status       `json:"status"`
	Error        string       `json:"error,omitempty"`
	Timestamps   Timestamps   `json:"timestamps"`
}

// New creates a project in the planning state.
func New(id string, req Requirements, cfg Config, now time.Time) *Project {
	return &Project{
		ID:           id,
		Requirements: req,
		Config:       cfg,
		Status:       StatusPlanning,
		Timestamps:   Timestamps{CreatedAt: now, UpdatedAt: now},
	}
}

// Transition moves the project to status `to`, stamping the matching timestamp.
// Illegal edges leave the project untouched and return an error.
func (p *Project) Transition(to Status, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("project %s: cannot transition %s -> %s", p.ID, p.Status, to)
	}

	switch to {
	case StatusActive:
		if p.Status == StatusPaused {
			p.Timestamps.ResumedAt = now
		} else {
			p.Timestamps.StartedAt = now
		}
	case StatusPaused:
		p.Timestamps.PausedAt = now
	case StatusCompleted:
		p.Timestamps.CompletedAt = now
	case StatusFailed:
		p.Timestamps.FailedAt = now
	}
	p.Status = to
	p.Timestamps.UpdatedAt = now
	return nil
}

// Fail moves the project to failed and records the reason.
func (p *Project) Fail(reason string, now time.Time) error {
	if err := p.Transition(StatusFailed, now); err != nil {
		return err
	}
	p.Error = reason
	return nil
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Requirements.ParsedRequirements != nil {
		cp.Requirements.ParsedRequirements = append([]string(nil), p.Requirements.ParsedRequirements...)
	}
	if p.Requirements.Metadata != nil {
		cp.Requirements.Metadata = make(map[string]any, len(p.Requirements.Metadata))
		for k, v := range p.Requirements.Metadata {
			cp.Requirements.Metadata[k] = v
		}
	}
	return &cp
}
