package orchestrator

import (
	"log/slog"

	"github.com/aristath/controlplane/internal/agents"
	"github.com/aristath/controlplane/internal/persistence"
	"github.com/aristath/controlplane/internal/scheduler"
	"github.com/aristath/controlplane/internal/supervisor"
)

// ServiceSpec pairs a descriptor with the factory that builds it.
type ServiceSpec struct {
	Descriptor supervisor.Descriptor
	Factory    supervisor.Factory
}

// StandardServices returns the built-in collaborators backed by store.
func StandardServices(store *persistence.SQLiteStore, specs []agents.Spec, tracker agents.TrackerOptions, logger *slog.Logger) []ServiceSpec {
	return []ServiceSpec{
		{
			Descriptor: supervisor.Descriptor{Name: ServiceStorage},
			Factory:    store.Factory(),
		},
		{
			Descriptor: supervisor.Descriptor{Name: ServiceTracker, Dependencies: []string{ServiceStorage}},
			Factory:    agents.TrackerFactory(tracker, store, logger),
		},
		{
			Descriptor: supervisor.Descriptor{Name: ServicePool, Dependencies: []string{ServiceTracker}},
			Factory:    agents.PoolFactory(specs, logger),
		},
		{
			Descriptor: supervisor.Descriptor{Name: ServiceGraph, Dependencies: []string{ServiceStorage}},
			Factory:    scheduler.Factory(store, logger),
		},
	}
}
