// Package protocol implements the pulse-oximeter wire protocol: command
// framing, response decoding, checksum validation, and extraction of complete
// frames from a fragmented notification stream.
package protocol

import (
	"encoding/binary"
	"time"

	"codeberg.org/mutker/o2relay/internal/errors"
)

const (
	// Response frame layout: header, type, type complement, block id (LE16),
	// payload length (LE16), payload, checksum.
	ResponseHeader = 0x55
	CommandHeader  = 0xAA

	// CmdReading requests the current reading from the peripheral.
	CmdReading = 0x17

	headerLen  = 7
	minFrame   = 8
	readingLen = 13

	// Payload status flag values.
	flagSensorOff = 0xFF
	flagIdle      = 0x00

	// Accumulation buffer bounds for a noisy transport.
	maxBufferLen  = 1024
	keepBufferLen = 256
)

// Status discriminates the three parse outcomes. Incomplete is flow control,
// not a failure: the caller keeps accumulating bytes.
type Status int

const (
	StatusOK Status = iota
	StatusIncomplete
	StatusError
)

// Result is the tagged outcome of Parse. Reading is set for StatusOK, Needed
// for StatusIncomplete, Code for StatusError.
type Result struct {
	Status  Status
	Reading Reading
	Needed  int
	Code    errors.ErrorCode
}

// PayloadClass classifies a reading payload's validity.
type PayloadClass int

const (
	PayloadValid PayloadClass = iota
	PayloadSensorOff
	PayloadIdle
)

// BuildReadingCommand encodes the 8-byte request-current-reading command.
func BuildReadingCommand() []byte {
	cmd := []byte{CommandHeader, CmdReading, 0xFF ^ CmdReading, 0x00, 0x00, 0x00, 0x00, 0x00}
	cmd[7] = Checksum(cmd[:7])

	return cmd
}

// Parse decodes one response frame. A short buffer that is otherwise valid
// yields StatusIncomplete with the total length required.
func Parse(data []byte) Result {
	if len(data) < headerLen {
		return Result{Status: StatusError, Code: ErrFrameTooShort}
	}
	if data[0] != ResponseHeader {
		return Result{Status: StatusError, Code: ErrInvalidHeader}
	}

	payloadLen := int(binary.LittleEndian.Uint16(data[5:7]))
	required := headerLen + payloadLen + 1
	if len(data) < required {
		return Result{Status: StatusIncomplete, Needed: required}
	}

	if Checksum(data[:required-1]) != data[required-1] {
		return Result{Status: StatusError, Code: ErrChecksumMismatch}
	}

	if payloadLen != readingLen {
		return Result{Status: StatusError, Code: ErrUnexpectedPayload}
	}

	payload := data[headerLen : headerLen+readingLen]
	reading, ok := extractReading(payload)
	if !ok {
		return Result{Status: StatusError, Code: ErrNoReading}
	}

	return Result{Status: StatusOK, Reading: reading}
}

// Classify reports whether a 13-byte reading payload carries a valid reading,
// a sensor-detached marker, or an idle (no finger contact) sample. A payload
// shorter than a reading classifies as idle: no reading can come of it.
func Classify(payload []byte) PayloadClass {
	if len(payload) < readingLen {
		return PayloadIdle
	}
	if payload[2] == flagSensorOff {
		return PayloadSensorOff
	}
	if payload[2] == flagIdle && payload[0] == 0 && payload[1] == 0 {
		return PayloadIdle
	}

	return PayloadValid
}

// extractReading pulls the vitals out of a reading payload. The wire format
// carries no timestamp, so the reading is stamped at decode time.
func extractReading(payload []byte) (Reading, bool) {
	if Classify(payload) != PayloadValid {
		return Reading{}, false
	}

	return Reading{
		SpO2:      int(payload[0]),
		HeartRate: int(payload[1]),
		Battery:   int(payload[7]),
		Movement:  int(payload[9]),
		Timestamp: time.Now(),
	}, true
}

// FindFrame scans buf for the first complete response frame. Bytes before
// the located header are treated as noise and discarded. When ok, rest holds
// the bytes after the frame so back-to-back frames can be drained in turn.
func FindFrame(buf []byte) (frame, rest []byte, ok bool) {
	start := -1
	for i, b := range buf {
		if b == ResponseHeader {
			start = i
			break
		}
	}
	if start < 0 || len(buf)-start < minFrame {
		return nil, nil, false
	}

	payloadLen := int(binary.LittleEndian.Uint16(buf[start+5 : start+7]))
	required := headerLen + payloadLen + 1
	if len(buf)-start < required {
		return nil, nil, false
	}

	return buf[start : start+required], buf[start+required:], true
}

// CapBuffer bounds an accumulation buffer under a persistently noisy
// transport, retaining only the most recent bytes once it grows too large.
func CapBuffer(buf []byte) []byte {
	if len(buf) <= maxBufferLen {
		return buf
	}

	return buf[len(buf)-keepBufferLen:]
}
