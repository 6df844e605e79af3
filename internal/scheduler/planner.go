package scheduler

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/aristath/controlplane/internal/project"
)

const (
	SetupNodeID  = "setup-project"
	FinalNodeID  = "final-review"
	taskIDPrefix = "task-"
)

type category struct {
	typ          NodeType
	keywords     []string
	capabilities []string
	duration     time.Duration
}

// Categories are checked in order; the first whose keyword prefixes a word
// of the requirement wins.
var categories = []category{
	{TypeTesting, []string{"test", "qa", "coverage", "e2e"}, []string{"testing"}, 45 * time.Minute},
	{TypeFrontend, []string{"frontend", "ui", "ux", "react", "component", "page", "css", "layout"}, []string{"frontend", "design"}, time.Hour},
	{TypeBackend, []string{"backend", "api", "server", "endpoint", "auth", "grpc"}, []string{"backend"}, time.Hour},
	{TypeDatabase, []string{"database", "db", "schema", "migration", "sql", "table", "index"}, []string{"database"}, 45 * time.Minute},
}

var featureCategory = category{TypeFeature, nil, []string{"development"}, time.Hour}

// Classify returns the node type, required capabilities and estimate for a
// requirement sentence.
func Classify(requirement string) (NodeType, []string, time.Duration) {
	words := strings.FieldsFunc(strings.ToLower(requirement), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, c := range categories {
		for _, kw := range c.keywords {
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					return c.typ, append([]string(nil), c.capabilities...), c.duration
				}
			}
		}
	}
	return featureCategory.typ, append([]string(nil), featureCategory.capabilities...), featureCategory.duration
}

// Plan turns requirements into a task graph: a setup node, one node per
// requirement chained in order, and a final review gated on quality.
// The same input always yields the same nodes.
func Plan(req project.Requirements, cfg project.Config) ([]TaskNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	nodes := []TaskNode{{
		ID:                SetupNodeID,
		Type:              TypeSetup,
		Description:       "Set up project structure and tooling",
		Priority:          0,
		EstimatedDuration: 10 * time.Minute,
		Dependencies:      []Edge{},
		Capabilities:      []string{"setup"},
	}}

	prev := SetupNodeID
	n := 0
	for _, r := range req.ParsedRequirements {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		n++
		typ, caps, est := Classify(r)
		id := fmt.Sprintf("%s%d", taskIDPrefix, n)
		nodes = append(nodes, TaskNode{
			ID:                id,
			Type:              typ,
			Description:       r,
			Priority:          n,
			EstimatedDuration: est,
			Dependencies:      []Edge{{Target: prev, Condition: ConditionCompleted}},
			Capabilities:      caps,
		})
		prev = id
	}

	nodes = append(nodes, TaskNode{
		ID:                FinalNodeID,
		Type:              TypeQuality,
		Description:       fmt.Sprintf("Review overall quality against threshold %.2f", cfg.QualityThreshold),
		Priority:          n + 1,
		EstimatedDuration: 30 * time.Minute,
		Dependencies: []Edge{{
			Target:     prev,
			Condition:  ConditionQualityGate,
			MinQuality: cfg.QualityThreshold,
		}},
		Capabilities: []string{"review", "testing"},
	})
	return nodes, nil
}
