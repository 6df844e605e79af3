package scheduler

import "time"

// NodeType tags what kind of work a task node represents.
type NodeType string

const (
	TypeSetup    NodeType = "setup"
	TypeTesting  NodeType = "testing"
	TypeFrontend NodeType = "frontend"
	TypeBackend  NodeType = "backend"
	TypeDatabase NodeType = "database"
	TypeFeature  NodeType = "feature"
	TypeQuality  NodeType = "quality"
)

// Condition determines when a dependency edge is satisfied.
type Condition string

const (
	// ConditionCompleted holds once the target node has completed.
	ConditionCompleted Condition = "completed"
	// ConditionQualityGate holds once the target completed with quality >= MinQuality.
	ConditionQualityGate Condition = "quality_gate"
)

// Edge is a dependency on another node of the same graph.
type Edge struct {
	Target     string    `json:"target"`
	Condition  Condition `json:"condition"`
	MinQuality float64   `json:"minQuality,omitempty"`
}

// TaskNode is one unit of work in a project's task graph. Nodes are
// immutable once planned; re-planning produces a new graph.
type TaskNode struct {
	ID                string        `json:"id"`
	Type              NodeType      `json:"type"`
	Description       string        `json:"description"`
	Priority          int           `json:"priority"` // lower runs earlier
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Dependencies      []Edge        `json:"dependencies"`
	Capabilities      []string      `json:"capabilities"`
}

// NodeStatus is the execution state the graph tracks per node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// NodeSnapshot is a node together with its execution state.
type NodeSnapshot struct {
	Node     TaskNode   `json:"node"`
	Status   NodeStatus `json:"status"`
	Quality  float64    `json:"quality"`
	Attempts int        `json:"attempts"`
}

func cloneNode(n TaskNode) TaskNode {
	cp := n
	if n.Dependencies != nil {
		cp.Dependencies = append([]Edge(nil), n.Dependencies...)
	}
	if n.Capabilities != nil {
		cp.Capabilities = append([]string(nil), n.Capabilities...)
	}
	return cp
}
