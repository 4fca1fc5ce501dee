package queue

import (
	"time"

	"codeberg.org/mutker/o2relay/internal/protocol"
)

// QueuedReading is a reading held for later upload, keyed by a monotonic
// local sequence id assigned at enqueue time.
type QueuedReading struct {
	ID         int64
	Reading    protocol.Reading
	EnqueuedAt time.Time
}

// Store is the durable FIFO of unsent readings. Entries are append-only
// until removal; implementations must serialize mutation.
type Store interface {
	// Append adds a reading to the tail of the queue.
	Append(reading protocol.Reading) error

	// Peek returns up to limit entries oldest-first without removing them.
	Peek(limit int) ([]QueuedReading, error)

	// Remove deletes the given ids. Removing an absent id is a no-op.
	Remove(ids []int64) error

	// Count returns the number of queued entries.
	Count() (int, error)

	// Clear removes every entry.
	Clear() error

	Close() error
}
