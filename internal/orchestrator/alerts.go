package orchestrator

import "time"

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

const maxAlerts = 100

// Alert is an operator-facing record of a steady-state failure.
type Alert struct {
	Level     AlertLevel `json:"level"`
	Source    string     `json:"source"`
	Message   string     `json:"message"`
	ProjectID string     `json:"projectId,omitempty"`
	TaskID    string     `json:"taskId,omitempty"`
	Service   string     `json:"service,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func (e *Engine) alert(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.alerts = append(e.alerts, a)
	if over := len(e.alerts) - maxAlerts; over > 0 {
		e.alerts = append([]Alert(nil), e.alerts[over:]...)
	}
}

// Alerts returns up to limit of the most recent alerts, newest first.
// limit <= 0 returns all retained alerts.
func (e *Engine) Alerts(limit int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(e.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.alerts[i])
	}
	return out
}
