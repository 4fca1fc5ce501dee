package relay

import (
	"context"

	"codeberg.org/mutker/o2relay/internal/ble"
	"codeberg.org/mutker/o2relay/internal/collector"
	"codeberg.org/mutker/o2relay/internal/protocol"
)

// Link is the connection machine surface the relay drives.
type Link interface {
	StartScan() error
	RequestReading() error
	Stop()
	Phase() ble.Phase
}

// Collector is the network client surface the relay consumes.
type Collector interface {
	GetStatus(ctx context.Context) (*collector.Status, error)
	PostReading(ctx context.Context, reading protocol.Reading, queued bool) (bool, error)
	PostBatch(ctx context.Context, readings []protocol.Reading) (collector.BatchResult, error)
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	Sent    int
	Queued  int
	Flushed int
}
