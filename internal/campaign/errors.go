package campaign

import "errors"

// ErrValidation marks caller mistakes (bad selector, malformed message).
// These are surfaced immediately and never retried.
var ErrValidation = errors.New("validation")

// ErrNotFound is returned when a campaign id does not exist.
var ErrNotFound = errors.New("campaign not found")
