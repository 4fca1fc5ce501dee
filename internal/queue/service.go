package queue

import (
	"context"

	"codeberg.org/mutker/o2relay/internal/collector"
	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"
)

const defaultBatchSize = 100

// BatchPoster uploads a batch of readings and reports the collector's
// accepted/rejected reconciliation. A non-nil error means the batch was not
// reconciled at all.
type BatchPoster interface {
	PostBatch(ctx context.Context, readings []protocol.Reading) (collector.BatchResult, error)
}

// FlushStats summarizes one Flush call.
type FlushStats struct {
	Sent     int
	Accepted int
	Rejected int
}

// Flusher drains a Store through a BatchPoster.
type Flusher struct {
	store     Store
	poster    BatchPoster
	batchSize int
}

func NewFlusher(store Store, poster BatchPoster, batchSize int) *Flusher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Flusher{
		store:     store,
		poster:    poster,
		batchSize: batchSize,
	}
}

// Flush uploads queued readings oldest-first in batches. Entries are removed
// once the collector accounts for them, accepted or rejected; rejection is
// terminal. A transport failure removes nothing and stops the drain, leaving
// the queue intact for the next retry cycle.
func (f *Flusher) Flush(ctx context.Context) (FlushStats, error) {
	errFactory := errors.New()
	stats := FlushStats{}

	for {
		entries, err := f.store.Peek(f.batchSize)
		if err != nil {
			return stats, errFactory.Wrap(ErrFlushFailed, err)
		}
		if len(entries) == 0 {
			return stats, nil
		}

		readings := make([]protocol.Reading, 0, len(entries))
		ids := make([]int64, 0, len(entries))
		for _, entry := range entries {
			readings = append(readings, entry.Reading)
			ids = append(ids, entry.ID)
		}

		result, err := f.poster.PostBatch(ctx, readings)
		if err != nil {
			return stats, errFactory.Wrap(ErrFlushFailed, err)
		}

		if err := f.store.Remove(ids); err != nil {
			return stats, errFactory.Wrap(ErrFlushFailed, err)
		}

		stats.Sent += len(entries)
		stats.Accepted += result.Accepted
		stats.Rejected += result.Rejected

		logger.Debug().
			Int("sent", len(entries)).
			Int("accepted", result.Accepted).
			Int("rejected", result.Rejected).
			Msg("Flushed queued readings")
	}
}
