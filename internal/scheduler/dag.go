package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

type nodeState struct {
	node     TaskNode
	status   NodeStatus
	quality  float64
	attempts int
}

// Graph is a project's task graph plus per-node execution state.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*nodeState
	dependents map[string][]string // node ID -> nodes that depend on it
}

// NewGraph builds and validates a graph from planned nodes.
func NewGraph(nodes []TaskNode) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*nodeState),
		dependents: make(map[string][]string),
	}
	for _, n := range nodes {
		if err := g.add(n); err != nil {
			return nil, err
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// graphFromSnapshot rebuilds a graph including per-node execution state.
func graphFromSnapshot(snaps []NodeSnapshot) (*Graph, error) {
	nodes := make([]TaskNode, 0, len(snaps))
	for _, sn := range snaps {
		nodes = append(nodes, sn.Node)
	}
	g, err := NewGraph(nodes)
	if err != nil {
		return nil, err
	}
	for _, sn := range snaps {
		st := g.nodes[sn.Node.ID]
		st.status = sn.Status
		st.quality = sn.Quality
		st.attempts = sn.Attempts
	}
	return g, nil
}

func (g *Graph) add(n TaskNode) error {
	if n.ID == "" {
		return fmt.Errorf("task node ID is required")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", n.ID)
	}
	g.nodes[n.ID] = &nodeState{node: cloneNode(n), status: NodePending}
	for _, e := range n.Dependencies {
		g.dependents[e.Target] = append(g.dependents[e.Target], n.ID)
	}
	return nil
}

// Validate runs a topological sort and returns node IDs in dependency order.
// Missing edge targets and cycles are errors.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.sortedIDs()

	for _, id := range ids {
		for _, e := range g.nodes[id].node.Dependencies {
			if _, exists := g.nodes[e.Target]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, e.Target)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range ids {
		deps := g.nodes[id].node.Dependencies
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, e := range deps {
			edges = append(edges, toposort.Edge{e.Target, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// sortedIDs returns node IDs ordered by priority then ID. Caller holds the lock.
func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]].node, g.nodes[ids[j]].node
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return ids
}

func (g *Graph) edgeSatisfied(e Edge) bool {
	target, ok := g.nodes[e.Target]
	if !ok || target.status != NodeCompleted {
		return false
	}
	if e.Condition == ConditionQualityGate {
		return target.quality >= e.MinQuality
	}
	return true
}

// Ready returns pending nodes whose dependency edges all hold, ordered by
// priority then ID.
func (g *Graph) Ready() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []TaskNode
	for _, id := range g.sortedIDs() {
		st := g.nodes[id]
		if st.status != NodePending {
			continue
		}
		ok := true
		for _, e := range st.node.Dependencies {
			if !g.edgeSatisfied(e) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, cloneNode(st.node))
		}
	}
	return ready
}

// gateBlocked reports whether a dependent's quality gate on id is unmet. Caller holds the lock.
func (g *Graph) gateBlocked(id string) bool {
	st := g.nodes[id]
	for _, depID := range g.dependents[id] {
		for _, e := range g.nodes[depID].node.Dependencies {
			if e.Target == id && e.Condition == ConditionQualityGate && st.quality < e.MinQuality {
				return true
			}
		}
	}
	return false
}

// MarkCompleted records completion with a quality score. It returns true when
// a downstream quality gate on this node is not met by that score.
func (g *Graph) MarkCompleted(taskID string, quality float64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.nodes[taskID]
	if !ok {
		return false, fmt.Errorf("task %q not found", taskID)
	}
	st.status = NodeCompleted
	st.quality = quality
	return g.gateBlocked(taskID), nil
}

// RecordQuality updates the quality score of a completed node. It returns
// true when a downstream quality gate is still unmet.
func (g *Graph) RecordQuality(taskID string, quality float64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.nodes[taskID]
	if !ok {
		return false, fmt.Errorf("task %q not found", taskID)
	}
	if st.status != NodeCompleted {
		return false, fmt.Errorf("task %q is %s, not completed", taskID, st.status)
	}
	st.quality = quality
	return g.gateBlocked(taskID), nil
}

// MarkFailed records a failed attempt. The node returns to pending while
// attempts <= maxRetries; otherwise it is failed and exhausted is true.
func (g *Graph) MarkFailed(taskID string, maxRetries int) (exhausted bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.nodes[taskID]
	if !ok {
		return false, fmt.Errorf("task %q not found", taskID)
	}
	return g.retry(st, maxRetries), nil
}

// Reopen sends a completed node back for rework, counting an attempt.
func (g *Graph) Reopen(taskID string, maxRetries int) (exhausted bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.nodes[taskID]
	if !ok {
		return false, fmt.Errorf("task %q not found", taskID)
	}
	if st.status != NodeCompleted {
		return false, fmt.Errorf("task %q is %s, not completed", taskID, st.status)
	}
	return g.retry(st, maxRetries), nil
}

func (g *Graph) retry(st *nodeState, maxRetries int) bool {
	st.attempts++
	st.quality = 0
	if st.attempts > maxRetries {
		st.status = NodeFailed
		return true
	}
	st.status = NodePending
	return false
}

// Complete reports whether every node has completed.
func (g *Graph) Complete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, st := range g.nodes {
		if st.status != NodeCompleted {
			return false
		}
	}
	return len(g.nodes) > 0
}

// Get returns a node by ID.
func (g *Graph) Get(taskID string) (NodeSnapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st, ok := g.nodes[taskID]
	if !ok {
		return NodeSnapshot{}, false
	}
	return snapshotOf(st), true
}

// Snapshot returns all nodes with their state, ordered by priority then ID.
func (g *Graph) Snapshot() []NodeSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]NodeSnapshot, 0, len(g.nodes))
	for _, id := range g.sortedIDs() {
		out = append(out, snapshotOf(g.nodes[id]))
	}
	return out
}

func snapshotOf(st *nodeState) NodeSnapshot {
	return NodeSnapshot{
		Node:     cloneNode(st.node),
		Status:   st.status,
		Quality:  st.quality,
		Attempts: st.attempts,
	}
}

// QualityOverview summarizes execution and quality for a graph.
type QualityOverview struct {
	Total          int                `json:"total"`
	Completed      int                `json:"completed"`
	Failed         int                `json:"failed"`
	Pending        int                `json:"pending"`
	AverageQuality float64            `json:"averageQuality"`
	Scores         map[string]float64 `json:"scores"`
}

// Overview computes the quality overview.
func (g *Graph) Overview() QualityOverview {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ov := QualityOverview{Total: len(g.nodes), Scores: make(map[string]float64)}
	var sum float64
	for id, st := range g.nodes {
		switch st.status {
		case NodeCompleted:
			ov.Completed++
			ov.Scores[id] = st.quality
			sum += st.quality
		case NodeFailed:
			ov.Failed++
		default:
			ov.Pending++
		}
	}
	if ov.Completed > 0 {
		ov.AverageQuality = sum / float64(ov.Completed)
	}
	return ov
}
