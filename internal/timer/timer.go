// Package timer drives a periodic logical tick to a user callback,
// either from a real OS clock (RealTimeTimer) or from an external
// coordinator's SystemTrigger stream (SimTimer). Both share one
// contract: start(cb) blocks the caller and invokes cb(deadline) once
// per period boundary; stop() is safe to call from any goroutine,
// including from inside cb.
package timer

import "github.com/hlcsync/labtime/internal/model"

// Callback is invoked once per period boundary with the scheduled
// deadline (not "now") in nanoseconds.
type Callback func(deadlineNs uint64)

// StopHook, if set, runs when a STOP system trigger is observed
// instead of the timer simply going inactive. It may call Stop()
// itself or not; either is a valid response.
type StopHook func()

// Timer is the shared surface of RealTimeTimer and SimTimer.
type Timer interface {
	// Start blocks the calling goroutine, dispatching Callback once per
	// period boundary, until Stop is called or a STOP trigger is
	// observed with no StopHook registered. Returns ErrTimerStart if
	// the timer was already started.
	Start(cb Callback) error

	// StartAsync spawns a single worker goroutine running Start and
	// returns immediately. A concurrent StartAsync/Start on the same
	// instance fails with ErrTimerStart.
	StartAsync(cb Callback) error

	// Stop cancels the timer, idempotently. Safe to call from any
	// goroutine, including from inside cb.
	Stop()

	// SetStopHook registers hook to run instead of the default
	// "go inactive" behavior when a STOP trigger arrives. Must be
	// called before Start/StartAsync.
	SetStopHook(hook StopHook)

	// GetTime returns the timer's notion of the current instant.
	GetTime() uint64

	// GetStartTime returns 0 before the first successful start,
	// otherwise the negotiated start instant.
	GetStartTime() uint64

	// Active reports whether the timer is currently running.
	Active() bool
}

// firstDeadline computes the first period boundary at or after start
// that satisfies (d - offset) mod period == 0, per spec.
func firstDeadline(start, offset, period uint64) uint64 {
	if (start-offset)%period == 0 {
		return start
	}
	return ((start-offset)/period+1)*period + offset
}

// stopSample reports whether samples contains a SystemTrigger matching
// stopSignal.
func stopSample(samples []model.SystemTrigger, stopSignal uint64) bool {
	for _, s := range samples {
		if s.NextStart == stopSignal {
			return true
		}
	}
	return false
}
