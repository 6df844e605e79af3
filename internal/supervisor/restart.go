package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/controlplane/internal/logging"
)

// RestartPolicy gates and paces automatic restarts.
type RestartPolicy struct {
	Enabled         bool
	MaxAttempts     int           // attempts per restart request (default 3)
	InitialInterval time.Duration // first backoff interval (default 500ms)
	MaxInterval     time.Duration // backoff cap (default 10s)
	Multiplier      float64       // backoff multiplier (default 2.0)
	BreakerFailures uint32        // consecutive failures that open a service's breaker (default 5)
	BreakerTimeout  time.Duration // how long an open breaker refuses restarts (default 60s)
}

// DefaultRestartPolicy returns the default restart policy.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		BreakerFailures: 5,
		BreakerTimeout:  60 * time.Second,
	}
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	d := DefaultRestartPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = d.BreakerFailures
	}
	if p.BreakerTimeout <= 0 {
		p.BreakerTimeout = d.BreakerTimeout
	}
	return p
}

// BreakerRegistry manages per-service circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	failures uint32
	timeout  time.Duration
	log      *slog.Logger
}

// NewBreakerRegistry creates a registry whose breakers open after the given
// number of consecutive failures and stay open for timeout.
func NewBreakerRegistry(failures uint32, timeout time.Duration, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		failures: failures,
		timeout:  timeout,
		log:      logging.Component(logger, "restart-breaker"),
	}
}

// Get returns the circuit breaker for the given service, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("restart breaker state change", "service", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is not the service's fault.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[name] = cb
	return cb
}

// Restarter applies a RestartPolicy on top of Supervisor.TryRestart.
type Restarter struct {
	sup      *Supervisor
	policy   RestartPolicy
	breakers *BreakerRegistry
	log      *slog.Logger
}

// NewRestarter creates a restarter for sup.
func NewRestarter(sup *Supervisor, policy RestartPolicy, logger *slog.Logger) *Restarter {
	p := policy.withDefaults()
	return &Restarter{
		sup:      sup,
		policy:   p,
		breakers: NewBreakerRegistry(p.BreakerFailures, p.BreakerTimeout, logger),
		log:      logging.Component(logger, "restarter"),
	}
}

// Enabled reports whether automatic restarts are allowed.
func (r *Restarter) Enabled() bool { return r.policy.Enabled }

// Restart tries to restart the named service with exponential backoff, up to
// MaxAttempts, through the service's circuit breaker. An open breaker, an
// unknown service or an invalid state stop the retries immediately.
func (r *Restarter) Restart(ctx context.Context, name, reason string) error {
	if !r.policy.Enabled {
		return ErrRestartDisabled
	}

	cb := r.breakers.Get(name)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, r.sup.TryRestart(ctx, name, reason)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrInvalidState) {
			return backoff.Permanent(err)
		}
		r.log.Warn("restart attempt failed", "service", name, "error", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.policy.InitialInterval
	policy.MaxInterval = r.policy.MaxInterval
	policy.Multiplier = r.policy.Multiplier
	policy.MaxElapsedTime = 0

	retries := backoff.WithMaxRetries(policy, uint64(r.policy.MaxAttempts-1))
	return backoff.Retry(operation, backoff.WithContext(retries, ctx))
}
