package project

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPlanning, StatusActive, true},
		{StatusPlanning, StatusFailed, true},
		{StatusPlanning, StatusPaused, false},
		{StatusPlanning, StatusCompleted, false},
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusActive, false},
		{StatusFailed, StatusActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New("p1", Requirements{}, DefaultConfig(), t0)

	steps := []struct {
		to    Status
		check func(ts Timestamps) time.Time
	}{
		{StatusActive, func(ts Timestamps) time.Time { return ts.StartedAt }},
		{StatusPaused, func(ts Timestamps) time.Time { return ts.PausedAt }},
		{StatusActive, func(ts Timestamps) time.Time { return ts.ResumedAt }},
		{StatusCompleted, func(ts Timestamps) time.Time { return ts.CompletedAt }},
	}
	for i, step := range steps {
		now := t0.Add(time.Duration(i+1) * time.Minute)
		if err := p.Transition(step.to, now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := step.check(p.Timestamps); !got.Equal(now) {
			t.Errorf("step %d (%s): timestamp %v, want %v", i, step.to, got, now)
		}
		if !p.Timestamps.UpdatedAt.Equal(now) {
			t.Errorf("step %d: updatedAt not bumped", i)
		}
	}
	if !p.Status.Terminal() {
		t.Error("completed should be terminal")
	}
	if err := p.Transition(StatusActive, t0); err == nil {
		t.Error("expected terminal project to reject transitions")
	}
}

func TestFailRecordsReason(t *testing.T) {
	p := New("p1", Requirements{}, DefaultConfig(), time.Now())
	if err := p.Fail("graph invalid", time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if p.Status != StatusFailed || p.Error != "graph invalid" || p.Timestamps.FailedAt.IsZero() {
		t.Errorf("unexpected project after Fail: %+v", p)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{QualityThreshold: 0.9}.WithDefaults(DefaultConfig())
	if cfg.MaxConcurrentTasks != 3 || cfg.QualityThreshold != 0.9 || cfg.Retry.MaxRetries != 2 {
		t.Errorf("unexpected merged config %+v", cfg)
	}
	if err := (Config{QualityThreshold: 1.5}).Validate(); err == nil {
		t.Error("expected threshold > 1 to be rejected")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := New("p1", Requirements{ParsedRequirements: []string{"a"}}, DefaultConfig(), time.Now())
	cp := p.Clone()
	cp.Requirements.ParsedRequirements[0] = "b"
	cp.Status = StatusActive
	if p.Requirements.ParsedRequirements[0] != "a" || p.Status != StatusPlanning {
		t.Error("clone shares state with original")
	}
}
