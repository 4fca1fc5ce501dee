package collector

import "codeberg.org/mutker/o2relay/internal/errors"

const (
	ErrInvalidBaseURL  = errors.ErrorCode("collector_invalid_base_url")
	ErrRequestFailed   = errors.ErrorCode("collector_request_failed")
	ErrBadResponse     = errors.ErrorCode("collector_bad_response")
	ErrStatusRejected  = errors.ErrorCode("collector_status_rejected")
	ErrEncodingFailed  = errors.ErrorCode("collector_encoding_failed")
)
