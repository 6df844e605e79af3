package events

// ProjectPayload is carried by project.* events and tasks.ready.
type ProjectPayload struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Tasks     any    `json:"tasks,omitempty"`
}

// TaskPayload is carried by task.* and quality.* events.
type TaskPayload struct {
	ProjectID string  `json:"projectId"`
	TaskID    string  `json:"taskId"`
	AgentID   string  `json:"agentId,omitempty"`
	Quality   float64 `json:"quality,omitempty"`
	Result    any     `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// AgentPayload is carried by agent.* events.
type AgentPayload struct {
	AgentID string `json:"agentId"`
}

// ServicePayload is carried by service.* events.
type ServicePayload struct {
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
