package supervisor

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// StartOrder returns registered service names ordered so that every service
// follows all of its dependencies. Unknown dependencies and cycles are errors.
func (s *Supervisor) StartOrder() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range s.order {
		for _, dep := range s.entries[name].desc.Dependencies {
			if _, ok := s.entries[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on %w %q", name, ErrUnknownService, dep)
			}
		}
	}

	// Edge (dep, name) means dep must start before name.
	var edges []toposort.Edge
	for _, name := range s.order {
		deps := s.entries[name].desc.Dependencies
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("service dependencies contain a cycle: %w", err)
	}

	order := make([]string, 0, len(s.order))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(s.order) {
		return nil, fmt.Errorf("start order covers %d of %d services", len(order), len(s.order))
	}
	return order, nil
}
