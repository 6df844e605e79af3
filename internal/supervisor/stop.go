package supervisor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// StopAll issues Stop to every constructed, not yet stopped service
// concurrently and waits until they all return or the timeout elapses,
// whichever comes first. A hung Stop never blocks the caller past timeout;
// services whose Stop has not returned keep their current state.
func (s *Supervisor) StopAll(ctx context.Context, reason string, timeout time.Duration) error {
	type target struct {
		name string
		svc  Service
	}

	s.mu.RLock()
	var targets []target
	for _, name := range s.order {
		e := s.entries[name]
		if e.instance != nil && e.desc.State != StateStopped {
			targets = append(targets, target{name: name, svc: e.instance})
		}
	}
	s.mu.RUnlock()

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			err := t.svc.Stop(stopCtx, reason)
			if err != nil {
				s.log.Warn("service stop failed", "service", t.name, "error", err)
			}
			s.markStopped(t.name, err)
			return err
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-stopCtx.Done():
		s.log.Error("shutdown timeout exceeded, abandoning pending stops", "timeout", timeout)
		return ErrStopTimeout
	}
}
