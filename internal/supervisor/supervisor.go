package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/controlplane/internal/logging"
)

type entry struct {
	desc     Descriptor
	factory  Factory
	instance Service
}

// Supervisor owns the service registry. Descriptors are mutated only by
// bootstrap, restart and stop operations.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order
	now     func() time.Time
	log     *slog.Logger
}

// New creates an empty supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     logging.Component(logger, "supervisor"),
	}
}

// Register adds a service descriptor and its factory. The descriptor's
// lifecycle fields are reset to the registered state.
func (s *Supervisor) Register(desc Descriptor, factory Factory) error {
	if desc.Name == "" {
		return errors.New("service name is required")
	}
	if factory == nil {
		return fmt.Errorf("service %q: factory is required", desc.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[desc.Name]; exists {
		return fmt.Errorf("service %q already registered", desc.Name)
	}

	d := desc.clone()
	d.State = StateRegistered
	d.StartedAt = time.Time{}
	d.LastError = ""
	d.Restarts = 0

	s.entries[desc.Name] = &entry{desc: d, factory: factory}
	s.order = append(s.order, desc.Name)
	return nil
}

// StartAll starts services strictly in the given order. It fails fast: the
// first unknown name, non-running dependency, or start failure aborts the
// bootstrap and no later service is started.
func (s *Supervisor) StartAll(ctx context.Context, order []string) error {
	for _, name := range order {
		if err := s.start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if e.desc.State == StateRunning {
		s.mu.Unlock()
		return nil
	}
	for _, dep := range e.desc.Dependencies {
		de, ok := s.entries[dep]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("service %q depends on %w %q", name, ErrUnknownService, dep)
		}
		if de.desc.State != StateRunning {
			s.mu.Unlock()
			return &DependencyNotRunningError{Service: name, Dependency: dep, State: de.desc.State}
		}
	}
	e.desc.State = StateInitializing
	factory := e.factory
	cfg := e.desc.clone().Config
	s.mu.Unlock()

	s.log.Info("starting service", "service", name)

	svc, err := build(ctx, factory, cfg)
	if err == nil {
		err = svc.Start(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if svc != nil {
		e.instance = svc
	}
	if err != nil {
		e.desc.State = StateFailed
		e.desc.LastError = err.Error()
		s.log.Error("service failed to start", "service", name, "error", err)
		return &ServiceStartError{Service: name, Err: err}
	}
	e.desc.State = StateRunning
	e.desc.StartedAt = s.now()
	e.desc.LastError = ""
	return nil
}

// build runs factory and rejects a nil service.
func build(ctx context.Context, factory Factory, cfg map[string]any) (Service, error) {
	svc, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.New("factory returned no service")
	}
	return svc, nil
}

// Stop stops a single service. The service ends up stopped even when its
// stop routine reports an error; the error is recorded and returned.
func (s *Supervisor) Stop(ctx context.Context, name, reason string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	var inst Service
	if ok {
		inst = e.instance
	}
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}

	var err error
	if inst != nil {
		err = inst.Stop(ctx, reason)
	}
	s.markStopped(name, err)
	return err
}

func (s *Supervisor) markStopped(name string, stopErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return
	}
	e.desc.State = StateStopped
	if stopErr != nil {
		e.desc.LastError = stopErr.Error()
	}
}

// TryRestart restarts a running or failed service and reports the outcome.
// A failed service that was never constructed is rebuilt from its factory.
// The service is initializing for the duration, so a concurrent restart of
// the same service fails with ErrInvalidState.
func (s *Supervisor) TryRestart(ctx context.Context, name, reason string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if e.desc.State != StateRunning && e.desc.State != StateFailed {
		state := e.desc.State
		s.mu.Unlock()
		return fmt.Errorf("restarting %q in state %s: %w", name, state, ErrInvalidState)
	}
	e.desc.State = StateInitializing
	inst := e.instance
	factory := e.factory
	cfg := e.desc.clone().Config
	s.mu.Unlock()

	s.log.Info("restarting service", "service", name, "reason", reason)

	var err error
	if inst == nil {
		inst, err = build(ctx, factory, cfg)
		if err == nil {
			err = inst.Start(ctx)
		}
	} else {
		err = inst.Restart(ctx, reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if inst != nil {
		e.instance = inst
	}
	e.desc.Restarts++
	if err != nil {
		e.desc.State = StateFailed
		e.desc.LastError = err.Error()
		return fmt.Errorf("restarting %q: %w", name, err)
	}
	e.desc.State = StateRunning
	e.desc.StartedAt = s.now()
	e.desc.LastError = ""
	return nil
}

// Restart restarts a running or failed service. Restart failures are logged
// and recorded on the descriptor but not returned, so one unrestartable
// service cannot halt its caller. Unknown names and invalid states are returned.
func (s *Supervisor) Restart(ctx context.Context, name, reason string) error {
	err := s.TryRestart(ctx, name, reason)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrInvalidState) {
		return err
	}
	s.log.Error("service restart failed", "service", name, "reason", reason, "error", err)
	return nil
}

// Status returns a copy of the named service's descriptor.
func (s *Supervisor) Status(name string) (Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e.desc.clone(), nil
}

// Services returns copies of all descriptors in registration order.
func (s *Supervisor) Services() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].desc.clone())
	}
	return out
}

// Instance returns the named service only while it is running.
func (s *Supervisor) Instance(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok || e.desc.State != StateRunning || e.instance == nil {
		return nil, false
	}
	return e.instance, true
}

// Lookup returns the named service instance regardless of state, if one was constructed.
func (s *Supervisor) Lookup(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok || e.instance == nil {
		return nil, false
	}
	return e.instance, true
}

// RunningCount returns how many services are currently running.
func (s *Supervisor) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.desc.State == StateRunning {
			n++
		}
	}
	return n
}

// Reset forgets every constructed instance and returns each descriptor to
// the registered state. Registrations are kept, so StartAll can boot the
// same services again after a shutdown.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.instance = nil
		e.desc.State = StateRegistered
		e.desc.StartedAt = time.Time{}
		e.desc.LastError = ""
		e.desc.Restarts = 0
	}
}
