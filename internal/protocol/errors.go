package protocol

import "codeberg.org/mutker/o2relay/internal/errors"

const (
	ErrFrameTooShort     = errors.ErrorCode("protocol_frame_too_short")
	ErrInvalidHeader     = errors.ErrorCode("protocol_invalid_header")
	ErrChecksumMismatch  = errors.ErrorCode("protocol_checksum_mismatch")
	ErrUnexpectedPayload = errors.ErrorCode("protocol_unexpected_payload_length")
	ErrNoReading         = errors.ErrorCode("protocol_could_not_extract_reading")
)
