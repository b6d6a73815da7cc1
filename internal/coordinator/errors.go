package coordinator

import "errors"

// ErrConfiguration is returned when a Config fails validation, e.g. an
// empty vehicle id list.
var ErrConfiguration = errors.New("coordinator: invalid configuration")
