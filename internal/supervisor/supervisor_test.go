package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/controlplane/internal/logging"
)

// fakeService is a test implementation of Service.
type fakeService struct {
	mu          sync.Mutex
	name        string
	log         *[]string
	logMu       *sync.Mutex
	startErr    error
	stopErr     error
	restartErrs []error
	stopBlock   chan struct{}
	restartGate chan struct{}
	health      HealthStatus
	starts      int
	stops       int
	restarts    int
}

func (f *fakeService) record(op string) {
	if f.log == nil {
		return
	}
	f.logMu.Lock()
	defer f.logMu.Unlock()
	*f.log = append(*f.log, op+":"+f.name)
}

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	err := f.startErr
	f.mu.Unlock()
	f.record("start")
	return err
}

func (f *fakeService) Stop(ctx context.Context, reason string) error {
	if f.stopBlock != nil {
		<-f.stopBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeService) Restart(ctx context.Context, reason string) error {
	if f.restartGate != nil {
		<-f.restartGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if len(f.restartErrs) == 0 {
		return nil
	}
	err := f.restartErrs[0]
	if len(f.restartErrs) > 1 {
		f.restartErrs = f.restartErrs[1:]
	}
	return err
}

func (f *fakeService) HealthStatus(ctx context.Context) (HealthStatus, error) {
	return f.health, nil
}

func (f *fakeService) counts() (starts, stops, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.restarts
}

func factoryFor(svc Service) Factory {
	return func(ctx context.Context, cfg map[string]any) (Service, error) {
		return svc, nil
	}
}

// newTestSupervisor registers a -> b -> c (c depends on b, b depends on a).
func newTestSupervisor(t *testing.T) (*Supervisor, map[string]*fakeService, *[]string) {
	t.Helper()

	sup := New(logging.Discard())
	var log []string
	var logMu sync.Mutex
	services := map[string]*fakeService{}

	for _, d := range []Descriptor{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "c", Dependencies: []string{"b"}},
	} {
		svc := &fakeService{name: d.Name, log: &log, logMu: &logMu}
		services[d.Name] = svc
		if err := sup.Register(d, factoryFor(svc)); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return sup, services, &log
}

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	sup := New(logging.Discard())
	svc := &fakeService{name: "a"}

	if err := sup.Register(Descriptor{Name: "a"}, factoryFor(svc)); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := sup.Register(Descriptor{Name: "a"}, factoryFor(svc)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := sup.Register(Descriptor{}, factoryFor(svc)); err == nil {
		t.Error("expected empty name to fail")
	}
	if err := sup.Register(Descriptor{Name: "b"}, nil); err == nil {
		t.Error("expected nil factory to fail")
	}

	desc, err := sup.Status("a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if desc.State != StateRegistered {
		t.Errorf("state = %s, want registered", desc.State)
	}
}

func TestStartAllInDependencyOrder(t *testing.T) {
	sup, _, log := newTestSupervisor(t)

	if err := sup.StartAll(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c"}
	if fmt.Sprint(*log) != fmt.Sprint(want) {
		t.Errorf("start log = %v, want %v", *log, want)
	}
	for _, name := range []string{"a", "b", "c"} {
		desc, _ := sup.Status(name)
		if desc.State != StateRunning {
			t.Errorf("%s state = %s, want running", name, desc.State)
		}
		if desc.StartedAt.IsZero() {
			t.Errorf("%s start timestamp not set", name)
		}
	}
	if sup.RunningCount() != 3 {
		t.Errorf("running count = %d, want 3", sup.RunningCount())
	}
}

func TestStartAllDependencyNotRunning(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)

	err := sup.StartAll(context.Background(), []string{"b", "a", "c"})
	if !errors.Is(err, ErrDependencyNotRunning) {
		t.Fatalf("expected ErrDependencyNotRunning, got %v", err)
	}

	var depErr *DependencyNotRunningError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected *DependencyNotRunningError, got %T", err)
	}
	if depErr.Service != "b" || depErr.Dependency != "a" {
		t.Errorf("unexpected error fields: %+v", depErr)
	}

	// Fail fast: nothing else was started.
	for name, svc := range services {
		if starts, _, _ := svc.counts(); starts != 0 {
			t.Errorf("service %s started %d times, want 0", name, starts)
		}
		desc, _ := sup.Status(name)
		if desc.State == StateRunning {
			t.Errorf("service %s is running after aborted bootstrap", name)
		}
	}
}

func TestStartAllRejectsUnregisteredDependency(t *testing.T) {
	sup := New(logging.Discard())
	_ = sup.Register(Descriptor{Name: "x", Dependencies: []string{"ghost"}}, factoryFor(&fakeService{name: "x"}))

	err := sup.StartAll(context.Background(), []string{"x"})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}

	if err := sup.StartAll(context.Background(), []string{"nope"}); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService for unknown name, got %v", err)
	}
}

func TestStartAllStartFailureAborts(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	services["b"].startErr = errors.New("port in use")

	err := sup.StartAll(context.Background(), []string{"a", "b", "c"})

	var startErr *ServiceStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected *ServiceStartError, got %v", err)
	}
	if startErr.Service != "b" {
		t.Errorf("failed service = %q, want b", startErr.Service)
	}

	desc, _ := sup.Status("b")
	if desc.State != StateFailed || desc.LastError != "port in use" {
		t.Errorf("b descriptor = %+v", desc)
	}
	if starts, _, _ := services["c"].counts(); starts != 0 {
		t.Error("c must not start after b failed")
	}
}

func TestStartAllFactoryError(t *testing.T) {
	sup := New(logging.Discard())
	_ = sup.Register(Descriptor{Name: "broken"}, func(ctx context.Context, cfg map[string]any) (Service, error) {
		return nil, errors.New("bad config")
	})

	err := sup.StartAll(context.Background(), []string{"broken"})
	if err == nil {
		t.Fatal("expected factory error")
	}
	desc, _ := sup.Status("broken")
	if desc.State != StateFailed {
		t.Errorf("state = %s, want failed", desc.State)
	}
	if _, ok := sup.Lookup("broken"); ok {
		t.Error("no instance should exist after factory failure")
	}
}

func TestFactoryReceivesConfig(t *testing.T) {
	sup := New(logging.Discard())
	var got map[string]any
	_ = sup.Register(Descriptor{Name: "cfg", Config: map[string]any{"size": 3}}, func(ctx context.Context, cfg map[string]any) (Service, error) {
		got = cfg
		return &fakeService{name: "cfg"}, nil
	})

	if err := sup.StartAll(context.Background(), []string{"cfg"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got["size"] != 3 {
		t.Errorf("factory config = %v", got)
	}
}

func TestStartOrder(t *testing.T) {
	sup := New(logging.Discard())
	for _, d := range []Descriptor{
		{Name: "agent-pool", Dependencies: []string{"performance-tracker"}},
		{Name: "task-graph", Dependencies: []string{"storage"}},
		{Name: "performance-tracker", Dependencies: []string{"storage"}},
		{Name: "storage"},
	} {
		_ = sup.Register(d, factoryFor(&fakeService{name: d.Name}))
	}

	order, err := sup.StartOrder()
	if err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order = %v, want 4 entries", order)
	}

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	for _, d := range sup.Services() {
		for _, dep := range d.Dependencies {
			if pos[dep] > pos[d.Name] {
				t.Errorf("%s starts before its dependency %s: %v", d.Name, dep, order)
			}
		}
	}

	if err := sup.StartAll(context.Background(), order); err != nil {
		t.Fatalf("StartAll with computed order: %v", err)
	}
}

func TestStartOrderErrors(t *testing.T) {
	cyclic := New(logging.Discard())
	_ = cyclic.Register(Descriptor{Name: "a", Dependencies: []string{"b"}}, factoryFor(&fakeService{}))
	_ = cyclic.Register(Descriptor{Name: "b", Dependencies: []string{"a"}}, factoryFor(&fakeService{}))
	if _, err := cyclic.StartOrder(); err == nil {
		t.Error("expected cycle error")
	}

	dangling := New(logging.Discard())
	_ = dangling.Register(Descriptor{Name: "a", Dependencies: []string{"ghost"}}, factoryFor(&fakeService{}))
	if _, err := dangling.StartOrder(); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestRestart(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()

	if err := sup.Restart(ctx, "a", "manual"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("restart of registered service: expected ErrInvalidState, got %v", err)
	}
	if err := sup.Restart(ctx, "ghost", "manual"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}

	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if err := sup.Restart(ctx, "a", "manual"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, _, restarts := services["a"].counts(); restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
	desc, _ := sup.Status("a")
	if desc.State != StateRunning || desc.Restarts != 1 {
		t.Errorf("descriptor after restart = %+v", desc)
	}

	// A failing restart is swallowed and recorded.
	services["b"].restartErrs = []error{errors.New("wedged")}
	if err := sup.Restart(ctx, "b", "manual"); err != nil {
		t.Errorf("restart failure should not be returned, got %v", err)
	}
	desc, _ = sup.Status("b")
	if desc.State != StateFailed || desc.LastError == "" {
		t.Errorf("descriptor after failed restart = %+v", desc)
	}
	if _, ok := sup.Instance("b"); ok {
		t.Error("failed service must not be returned by Instance")
	}
	if _, ok := sup.Lookup("b"); !ok {
		t.Error("failed service instance should still be retrievable by Lookup")
	}
}

func TestTryRestartRebuildsFromFactory(t *testing.T) {
	sup := New(logging.Discard())
	calls := 0
	_ = sup.Register(Descriptor{Name: "flaky"}, func(ctx context.Context, cfg map[string]any) (Service, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("not yet")
		}
		return &fakeService{name: "flaky"}, nil
	})

	if err := sup.StartAll(context.Background(), []string{"flaky"}); err == nil {
		t.Fatal("expected first start to fail")
	}
	if err := sup.TryRestart(context.Background(), "flaky", "retry"); err != nil {
		t.Fatalf("TryRestart: %v", err)
	}
	if _, ok := sup.Instance("flaky"); !ok {
		t.Error("expected flaky to be running after restart")
	}
}

func TestFactoryReturningNilService(t *testing.T) {
	sup := New(logging.Discard())
	_ = sup.Register(Descriptor{Name: "empty"}, func(ctx context.Context, cfg map[string]any) (Service, error) {
		return nil, nil
	})

	err := sup.StartAll(context.Background(), []string{"empty"})
	var startErr *ServiceStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected ServiceStartError, got %v", err)
	}
	desc, _ := sup.Status("empty")
	if desc.State != StateFailed {
		t.Errorf("state = %s, want failed", desc.State)
	}

	// Rebuilding on restart hits the same guard instead of panicking.
	if err := sup.TryRestart(context.Background(), "empty", "retry"); err == nil {
		t.Error("expected restart of a nil service to fail")
	}
}

func TestConcurrentRestartRejected(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	gate := make(chan struct{})
	services["a"].restartGate = gate

	first := make(chan error, 1)
	go func() { first <- sup.TryRestart(ctx, "a", "health") }()

	deadline := time.Now().Add(time.Second)
	for {
		desc, _ := sup.Status("a")
		if desc.State == StateInitializing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first restart never began")
		}
		time.Sleep(time.Millisecond)
	}

	if err := sup.TryRestart(ctx, "a", "service error"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("overlapping restart: expected ErrInvalidState, got %v", err)
	}
	if _, ok := sup.Instance("a"); ok {
		t.Error("service mid-restart must not be handed out")
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first restart: %v", err)
	}
	if _, _, restarts := services["a"].counts(); restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
	desc, _ := sup.Status("a")
	if desc.State != StateRunning || desc.Restarts != 1 {
		t.Errorf("descriptor after restart = %+v", desc)
	}
}

func TestResetKeepsRegistrations(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := sup.StopAll(ctx, "shutdown", time.Second); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	sup.Reset()
	for _, d := range sup.Services() {
		if d.State != StateRegistered {
			t.Errorf("%s state = %s, want registered", d.Name, d.State)
		}
	}
	if _, ok := sup.Lookup("a"); ok {
		t.Error("instances should be forgotten after Reset")
	}

	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll after Reset: %v", err)
	}
	if sup.RunningCount() != 3 {
		t.Errorf("running = %d, want 3", sup.RunningCount())
	}
	if starts, _, _ := services["c"].counts(); starts != 2 {
		t.Errorf("c started %d times, want 2", starts)
	}
}

func TestStopAllStopsEveryService(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if err := sup.StopAll(ctx, "shutdown", time.Second); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for name, svc := range services {
		if _, stops, _ := svc.counts(); stops != 1 {
			t.Errorf("%s stops = %d, want 1", name, stops)
		}
		desc, _ := sup.Status(name)
		if desc.State != StateStopped {
			t.Errorf("%s state = %s, want stopped", name, desc.State)
		}
	}

	// Already stopped services are skipped.
	if err := sup.StopAll(ctx, "again", time.Second); err != nil {
		t.Fatalf("second StopAll: %v", err)
	}
	if _, stops, _ := services["a"].counts(); stops != 1 {
		t.Errorf("a stopped again: %d", stops)
	}
}

func TestStopAllTimeoutWithHungService(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	if err := sup.StartAll(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	hang := make(chan struct{})
	defer close(hang)
	services["b"].stopBlock = hang

	start := time.Now()
	err := sup.StopAll(ctx, "shutdown", 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("StopAll took %v, expected about 50ms", elapsed)
	}

	desc, _ := sup.Status("a")
	if desc.State != StateStopped {
		t.Errorf("a state = %s, want stopped", desc.State)
	}
	desc, _ = sup.Status("b")
	if desc.State != StateRunning {
		t.Errorf("hung b state = %s, want running", desc.State)
	}
}

func TestStopSingleService(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	_ = sup.StartAll(ctx, []string{"a"})

	services["a"].stopErr = errors.New("flush failed")
	if err := sup.Stop(ctx, "a", "manual"); err == nil {
		t.Error("expected stop error to be returned")
	}
	desc, _ := sup.Status("a")
	if desc.State != StateStopped || desc.LastError != "flush failed" {
		t.Errorf("descriptor after stop = %+v", desc)
	}
	if err := sup.Stop(ctx, "ghost", "manual"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestRestarterRetriesTransientFailures(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	_ = sup.StartAll(ctx, []string{"a"})

	services["a"].restartErrs = []error{errors.New("e1"), errors.New("e2"), nil}

	r := NewRestarter(sup, RestartPolicy{
		Enabled:         true,
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logging.Discard())

	if err := r.Restart(ctx, "a", "service.error"); err != nil {
		t.Fatalf("expected restart to eventually succeed, got %v", err)
	}
	if _, _, restarts := services["a"].counts(); restarts != 3 {
		t.Errorf("restart attempts = %d, want 3", restarts)
	}
	desc, _ := sup.Status("a")
	if desc.State != StateRunning {
		t.Errorf("state = %s, want running", desc.State)
	}
}

func TestRestarterDisabled(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	r := NewRestarter(sup, RestartPolicy{Enabled: false}, logging.Discard())
	if r.Enabled() {
		t.Error("expected disabled restarter")
	}
	if err := r.Restart(context.Background(), "a", "x"); !errors.Is(err, ErrRestartDisabled) {
		t.Errorf("expected ErrRestartDisabled, got %v", err)
	}
}

func TestRestarterBreakerOpens(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	ctx := context.Background()
	_ = sup.StartAll(ctx, []string{"a"})

	services["a"].restartErrs = []error{errors.New("always")}

	r := NewRestarter(sup, RestartPolicy{
		Enabled:         true,
		MaxAttempts:     10,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}, logging.Discard())

	err := r.Restart(ctx, "a", "service.error")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if _, _, restarts := services["a"].counts(); restarts != 2 {
		t.Errorf("restart attempts = %d, want 2 before breaker opened", restarts)
	}
}

func TestRestarterStopsOnInvalidState(t *testing.T) {
	sup, services, _ := newTestSupervisor(t)
	r := NewRestarter(sup, RestartPolicy{Enabled: true, InitialInterval: time.Millisecond}, logging.Discard())

	err := r.Restart(context.Background(), "a", "x")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, _, restarts := services["a"].counts(); restarts != 0 {
		t.Error("registered service must not be restarted")
	}
}
