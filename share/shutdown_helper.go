package tnshare

import (
	"context"
	"sync"
)

// OnceActivateHandler runs exactly once, with shutdown paused, to activate
// an object managed by a ShutdownHelper. Returning a non-nil error aborts
// activation and immediately starts shutdown.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, with
	// an advisory completion error. It performs the actual teardown and
	// returns the final completion error.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by anything with cooperative, idempotent,
// asynchronous shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// ShutdownHelper is an embeddable base that gives an object cooperative,
// exactly-once shutdown with child cascading. Every long-running actor in
// this package (framed connections, multiplexers, role state machines,
// listeners) embeds one; a flow Pump's two loops are plain goroutines. The pattern: StartShutdown schedules teardown,
// HandleOnceShutdown performs it, then every child registered with
// AddShutdownChild is itself shut down before WaitShutdown unblocks.
type ShutdownHelper struct {
	Logger

	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int

	isActivated          bool
	isScheduledShutdown  bool
	isStartedShutdown    bool
	isDoneShutdown       bool
	shutdownErr          error
	shutdownStartedChan  chan struct{}
	shutdownHandlerDone  chan struct{}
	shutdownDoneChan     chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place. Must be called
// before any other method.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = handler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDone = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDone)
		h.wg.Wait()
		h.isDoneShutdown = true
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from starting until a matching
// ResumeShutdown is called. Fails if shutdown has already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated reports whether Activate has been called.
func (h *ShutdownHelper) IsActivated() bool { return h.isActivated }

// Activate marks the helper activated. No-op if already activated. Fails
// if shutdown has already begun.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivate, then activates on
// success or starts shutdown on failure. If waitOnFail is true and
// activation fails, it waits for shutdown to finish before returning.
func (h *ShutdownHelper) DoOnceActivate(onceActivate OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown reverses a PauseShutdown, letting shutdown proceed once
// the pause count reaches zero.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins shutting down this helper, with the context's
// error as the advisory completion status, as soon as ctx is done.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *ShutdownHelper) IsStartedShutdown() bool { return h.isStartedShutdown }

// IsDoneShutdown reports whether shutdown has completed.
func (h *ShutdownHelper) IsDoneShutdown() bool { return h.isDoneShutdown }

// ShutdownStartedChan is closed as soon as shutdown is initiated.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} { return h.shutdownStartedChan }

// ShutdownDoneChan is closed once shutdown has fully completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} { return h.shutdownDoneChan }

// ShutdownHandlerDoneChan is closed once HandleOnceShutdown has returned,
// before any registered children are told to shut down.
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} { return h.shutdownHandlerDone }

// WaitShutdown blocks until shutdown completes and returns the final status.
// It does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown (if not already started), waits for it to
// complete, and returns the final status.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown, using completionErr as the
// advisory status passed to HandleOnceShutdown. Idempotent: only the first
// call has any effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doNow
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and returns the final status.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers a child whose shutdown this helper will wait
// for before considering its own shutdown complete. Once this helper's
// HandleOnceShutdown returns, the child is itself told to shut down (with
// this helper's completion status as its advisory status) if it hasn't
// already started on its own.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDone:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
