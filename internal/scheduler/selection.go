package scheduler

import (
	"math"
	"sort"
)

// Candidate is an agent considered for a task.
type Candidate struct {
	AgentID    string  `json:"agentId"`
	Weight     float64 `json:"weight"`     // performance weight
	Capability float64 `json:"capability"` // capability score for the task
	Score      float64 `json:"score"`
}

// Clamp01 bounds v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Score combines performance weight and capability score.
func Score(weight, capability float64) float64 {
	return Clamp01(weight) * Clamp01(capability)
}

// Rank scores candidates and orders them by descending score. Ties keep
// their input order.
func Rank(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		c.Score = Score(c.Weight, c.Capability)
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SelectAgent returns the best-ranked candidate, or false if there are none.
func SelectAgent(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	return Rank(cands)[0], true
}
