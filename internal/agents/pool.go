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

// PoolServiceName is the name the agent pool registers under.
const PoolServiceName = "agent-pool"

// Status is an agent's availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Spec declares an agent and the efficiency (0..1) of each capability it has.
type Spec struct {
	ID           string             `json:"id" yaml:"id" mapstructure:"id"`
	Name         string             `json:"name" yaml:"name" mapstructure:"name"`
	Capabilities map[string]float64 `json:"capabilities" yaml:"capabilities" mapstructure:"capabilities"`
}

// Agent is a pool member.
type Agent struct {
	Spec
	Status      Status    `json:"status"`
	CurrentTask string    `json:"currentTask,omitempty"`
	AssignedAt  time.Time `json:"assignedAt,omitempty"`
	Assigned    int       `json:"assigned"`
}

func (a *Agent) clone() Agent {
	cp := *a
	cp.Capabilities = make(map[string]float64, len(a.Capabilities))
	for k, v := range a.Capabilities {
		cp.Capabilities[k] = v
	}
	return cp
}

// AssignResult reports the outcome of AssignTask.
type AssignResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Pool tracks agents and hands tasks to them. It implements supervisor.Service.
type Pool struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	order   []string
	running bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewPool creates a pool seeded with specs. Invalid specs are skipped with a warning.
func NewPool(specs []Spec, logger *slog.Logger) *Pool {
	p := &Pool{
		agents: make(map[string]*Agent),
		logger: logging.Component(logger, PoolServiceName),
		now:    time.Now,
	}
	for _, s := range specs {
		if err := p.Register(s); err != nil {
			p.logger.Warn("skipping agent", "agent", s.ID, "error", err)
		}
	}
	return p
}

// PoolFactory returns a supervisor factory building a pool from specs.
func PoolFactory(specs []Spec, logger *slog.Logger) supervisor.Factory {
	return func(ctx context.Context, cfg map[string]any) (supervisor.Service, error) {
		return NewPool(specs, logger), nil
	}
}

// Register adds an agent in the available state.
func (p *Pool) Register(s Spec) error {
	if s.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[s.ID]; exists {
		return fmt.Errorf("agent %q already registered", s.ID)
	}
	a := &Agent{Spec: s, Status: StatusAvailable}
	if a.Name == "" {
		a.Name = s.ID
	}
	a.Capabilities = make(map[string]float64, len(s.Capabilities))
	for k, v := range s.Capabilities {
		a.Capabilities[k] = v
	}
	p.agents[s.ID] = a
	p.order = append(p.order, s.ID)
	return nil
}

// SetStatus forces an agent's status. Moving to available clears its task.
func (p *Pool) SetStatus(agentID string, status Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}
	a.Status = status
	if status == StatusAvailable {
		a.CurrentTask = ""
	}
	return nil
}

// Agent returns a copy of one agent.
func (p *Pool) Agent(agentID string) (Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// AvailableAgents returns available agents in registration order.
func (p *Pool) AvailableAgents(ctx context.Context) []Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Agent
	for _, id := range p.order {
		if a := p.agents[id]; a.Status == StatusAvailable {
			out = append(out, a.clone())
		}
	}
	return out
}

// CanHandle reports whether the agent has every capability the task requires.
func (p *Pool) CanHandle(ctx context.Context, agentID string, task scheduler.TaskNode) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[agentID]
	return ok && canHandle(a, task)
}

func canHandle(a *Agent, task scheduler.TaskNode) bool {
	for _, c := range task.Capabilities {
		if _, ok := a.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// CapabilityScore is the mean efficiency over the task's required
// capabilities, in [0,1]. Missing capabilities count as 0; a task with no
// requirements scores 1.
func (p *Pool) CapabilityScore(ctx context.Context, agentID string, task scheduler.TaskNode) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[agentID]
	if !ok {
		return 0
	}
	if len(task.Capabilities) == 0 {
		return 1
	}
	var sum float64
	for _, c := range task.Capabilities {
		sum += scheduler.Clamp01(a.Capabilities[c])
	}
	return sum / float64(len(task.Capabilities))
}

// AssignTask hands task to the agent. The agent must be available and capable.
func (p *Pool) AssignTask(ctx context.Context, task scheduler.TaskNode, agentID string) AssignResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return AssignResult{Reason: "agent pool not running"}
	}
	a, ok := p.agents[agentID]
	switch {
	case !ok:
		return AssignResult{Reason: fmt.Sprintf("agent %q not found", agentID)}
	case a.Status != StatusAvailable:
		return AssignResult{Reason: fmt.Sprintf("agent %q is %s", agentID, a.Status)}
	case !canHandle(a, task):
		return AssignResult{Reason: fmt.Sprintf("agent %q lacks capabilities for %s", agentID, task.ID)}
	}
	a.Status = StatusBusy
	a.CurrentTask = task.ID
	a.AssignedAt = p.now()
	a.Assigned++
	p.logger.Debug("task assigned", "agent", agentID, "task", task.ID)
	return AssignResult{Success: true}
}

// Release returns a busy agent to available.
func (p *Pool) Release(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if a.Status == StatusBusy {
		a.Status = StatusAvailable
		a.CurrentTask = ""
	}
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop leaves agent state intact so a restart resumes with the same pool.
func (p *Pool) Stop(ctx context.Context, reason string) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Info("stopped", "reason", reason)
	return nil
}

func (p *Pool) Restart(ctx context.Context, reason string) error {
	if err := p.Stop(ctx, reason); err != nil {
		return err
	}
	return p.Start(ctx)
}

func (p *Pool) counts() map[Status]int {
	c := make(map[Status]int)
	for _, a := range p.agents {
		c[a.Status]++
	}
	return c
}

// HealthStatus is degraded when every registered agent is offline.
func (p *Pool) HealthStatus(ctx context.Context) (supervisor.HealthStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c := p.counts()
	hs := supervisor.HealthStatus{
		Status: supervisor.Healthy,
		Details: map[string]any{
			"agents":    len(p.agents),
			"available": c[StatusAvailable],
			"busy":      c[StatusBusy],
			"offline":   c[StatusOffline],
		},
		CheckedAt: p.now(),
	}
	switch {
	case !p.running:
		hs.Status = supervisor.Unhealthy
		hs.Message = "not running"
	case len(p.agents) == 0 || c[StatusOffline] == len(p.agents):
		hs.Status = supervisor.Degraded
		hs.Message = "no agents online"
	}
	return hs, nil
}

func (p *Pool) Metrics(ctx context.Context) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c := p.counts()
	return map[string]any{
		"agents":    len(p.agents),
		"available": c[StatusAvailable],
		"busy":      c[StatusBusy],
		"offline":   c[StatusOffline],
	}, nil
}
