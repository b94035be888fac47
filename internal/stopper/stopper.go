// Package stopper factors the "poll timeout, observe flag, exit" pattern
// that every loop in the collector (listeners, workers, health reporter)
// repeats, per spec design note on stop-signal handling.
package stopper

import (
	"context"
	"time"
)

// Signal wraps a context cancellation into the reusable poll-loop contract:
// every loop calls Sleep(interval) and checks Stopped() before blocking
// again, guaranteeing it observes cancellation within one poll interval.
type Signal struct {
	ctx context.Context
}

// New wraps ctx for use by poll loops.
func New(ctx context.Context) Signal {
	return Signal{ctx: ctx}
}

// Stopped reports whether the stop signal has fired.
func (s Signal) Stopped() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Done exposes the underlying channel for select statements.
func (s Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Sleep blocks for d or until the stop signal fires, whichever comes first.
// Returns true if it was interrupted by the stop signal.
func (s Signal) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
