package scheduler

import (
	"reflect"
	"testing"

	"github.com/aristath/controlplane/internal/project"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		requirement string
		want        NodeType
	}{
		{"Write tests", TypeTesting},
		{"Improve test coverage for the API", TypeTesting},
		{"Build backend API", TypeBackend},
		{"Design UI", TypeFrontend},
		{"Add a React component for login", TypeFrontend},
		{"Create database schema", TypeDatabase},
		{"Add SQL migrations", TypeDatabase},
		{"Build the thing", TypeFeature},
		{"", TypeFeature},
	}
	for _, tt := range tests {
		t.Run(tt.requirement, func(t *testing.T) {
			got, caps, est := Classify(tt.requirement)
			if got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.requirement, got, tt.want)
			}
			if len(caps) == 0 || est <= 0 {
				t.Errorf("Classify(%q) caps=%v est=%v", tt.requirement, caps, est)
			}
		})
	}
}

func TestPlanTwoRequirements(t *testing.T) {
	req := project.Requirements{
		Description:        "todo app",
		ParsedRequirements: []string{"Build backend API", "Write tests"},
	}
	nodes, err := Plan(req, project.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	if want := []string{"setup-project", "task-1", "task-2", "final-review"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if nodes[1].Type != TypeBackend || nodes[2].Type != TypeTesting || nodes[3].Type != TypeQuality {
		t.Errorf("types = %s %s %s", nodes[1].Type, nodes[2].Type, nodes[3].Type)
	}

	final := nodes[3].Dependencies
	if len(final) != 1 || final[0].Target != "task-2" || final[0].Condition != ConditionQualityGate || final[0].MinQuality != 0.8 {
		t.Errorf("final-review deps = %+v", final)
	}
	if d := nodes[2].Dependencies; len(d) != 1 || d[0].Target != "task-1" {
		t.Errorf("task-2 deps = %+v", d)
	}

	g, err := NewGraph(nodes)
	if err != nil {
		t.Fatalf("planned graph invalid: %v", err)
	}
	if got := readyIDs(g); !reflect.DeepEqual(got, []string{"setup-project"}) {
		t.Errorf("Ready() = %v, want [setup-project]", got)
	}
}

func TestPlanDeterministic(t *testing.T) {
	req := project.Requirements{ParsedRequirements: []string{"Design UI", "Create database schema", "Ship it"}}
	a, err := Plan(req, project.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Plan(req, project.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("Plan() is not deterministic")
	}
}

func TestPlanNoRequirements(t *testing.T) {
	nodes, err := Plan(project.Requirements{ParsedRequirements: []string{"  "}}, project.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[1].Dependencies[0].Target != SetupNodeID {
		t.Errorf("nodes = %+v", nodes)
	}
}

func TestPlanRejectsInvalidConfig(t *testing.T) {
	cfg := project.DefaultConfig()
	cfg.QualityThreshold = 1.5
	if _, err := Plan(project.Requirements{}, cfg); err == nil {
		t.Error("Plan() with threshold 1.5 should fail")
	}
}
