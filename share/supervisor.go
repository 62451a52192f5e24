package tnshare

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Reconnect backoff curve: 3s up to 30s, doubling. With Jitter set,
// jpillora/backoff picks each delay at random between Min and the doubled
// value; the delay is not kept within ±20% of the doubled value. Grounded on the teacher's client.go connection loop, which drives the
// exact same jpillora/backoff configuration for its own reconnect logic.
func newReconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    3 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// RunFunc is one connect-and-serve attempt (RunProxyClient or
// RunProxyServer); it blocks until the connection ends and returns the
// terminal error.
type RunFunc func(ctx context.Context) error

// Supervisor drives repeated RunFunc attempts with the spec's reconnect
// backoff curve, stopping immediately on a terminal ErrKind (configuration
// or auth failure) instead of retrying forever.
type Supervisor struct {
	ShutdownHelper
	run RunFunc
}

// NewSupervisor wraps run with a reconnect loop and starts it immediately.
// The returned Supervisor's shutdown completes once ctx is canceled and the
// in-flight attempt (if any) has unwound.
func NewSupervisor(ctx context.Context, logger Logger, run RunFunc) *Supervisor {
	s := &Supervisor{run: run}
	s.InitShutdownHelper(logger.Fork("supervisor"), s)
	s.ShutdownOnContext(ctx)
	s.DoOnceActivate(func() error {
		go s.loop(ctx)
		return nil
	}, false)
	return s
}

func (s *Supervisor) loop(ctx context.Context) {
	b := newReconnectBackoff()
	for {
		start := time.Now()
		err := s.run(ctx)
		if time.Since(start) > b.Max {
			// The connection stood up and ran a while before dropping;
			// don't let last session's backoff linger into this one.
			b.Reset()
		}
		if ctx.Err() != nil {
			s.StartShutdown(ctx.Err())
			return
		}
		if err == nil {
			// A clean return with no error still means the connection
			// ended; treat it the same as any other drop and reconnect.
			err = Errf(ErrKindIo, "connection ended")
		}
		if KindOf(err).IsTerminal() {
			s.ELogf("giving up: %s", err)
			s.StartShutdown(err)
			return
		}
		delay := b.Duration()
		s.WLogf("connection attempt failed (%s); reconnecting in %s", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.StartShutdown(ctx.Err())
			return
		}
	}
}

// HandleOnceShutdown is a no-op; the run loop observes ctx cancellation or
// StartShutdown directly and exits on its own.
func (s *Supervisor) HandleOnceShutdown(completionErr error) error {
	return completionErr
}
