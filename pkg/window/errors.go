package window

import "errors"

// ErrInvalidConfig is returned when a window specification is rejected at
// construction time, e.g. a non-positive size or a slide larger than the size.
var ErrInvalidConfig = errors.New("invalid window configuration")
