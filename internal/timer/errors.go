package timer

import "errors"

// ErrTimerStart is returned by Start/StartAsync when the timer instance
// has already been started once; a Timer has at most one lifetime.
var ErrTimerStart = errors.New("timer: already started")

// ErrConfiguration is returned when a Config fails validation, e.g. a
// zero period or an offset outside the valid range for the timer kind.
var ErrConfiguration = errors.New("timer: invalid configuration")
