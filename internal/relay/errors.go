package relay

import "codeberg.org/mutker/o2relay/internal/errors"

const (
	ErrAlreadyStarted = errors.ErrorCode("relay_already_started")
	ErrNotStarted     = errors.ErrorCode("relay_not_started")
	ErrEnqueueFailed  = errors.ErrorCode("relay_enqueue_failed")
)
