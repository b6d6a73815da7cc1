package rtt

import "errors"

// ErrConfiguration is returned by NewResponder when no program id is
// supplied: a responder must be explicitly activated with one before
// it will reply to probes.
var ErrConfiguration = errors.New("rtt: invalid configuration")
