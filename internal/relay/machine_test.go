package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/o2relay/internal/ble"
	"codeberg.org/mutker/o2relay/internal/clock"
	"codeberg.org/mutker/o2relay/internal/collector"
	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/protocol"
	"codeberg.org/mutker/o2relay/internal/queue"
	"codeberg.org/mutker/o2relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu       sync.Mutex
	scans    int
	requests int
	stops    int
	scanErr  error
}

func (l *fakeLink) StartScan() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.scans++

	return l.scanErr
}

func (l *fakeLink) RequestReading() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requests++

	return nil
}

func (l *fakeLink) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stops++
}

func (l *fakeLink) Phase() ble.Phase { return ble.Idle }

func (l *fakeLink) requestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.requests
}

// fakeCollector scripts the network client: status polls, single uploads and
// batch uploads all succeed or fail according to the fields set by the test.
type fakeCollector struct {
	mu           sync.Mutex
	needsRelay   bool
	statusErr    error
	postAccepted bool
	postErr      error
	batchErr     error

	statusCalls int
	posts       []protocol.Reading
	batches     [][]protocol.Reading

	// onStatus, when set, runs once in the middle of the next GetStatus
	// call, outside the collector's lock. Lets tests interleave machine
	// events with an in-flight poll.
	onStatus func()
}

func (c *fakeCollector) GetStatus(_ context.Context) (*collector.Status, error) {
	c.mu.Lock()
	c.statusCalls++
	interleave := c.onStatus
	c.onStatus = nil
	c.mu.Unlock()

	if interleave != nil {
		interleave()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statusErr != nil {
		return nil, c.statusErr
	}

	return &collector.Status{NeedsRelay: c.needsRelay}, nil
}

func (c *fakeCollector) PostReading(_ context.Context, reading protocol.Reading, _ bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.postErr != nil {
		return false, c.postErr
	}
	c.posts = append(c.posts, reading)

	return c.postAccepted, nil
}

func (c *fakeCollector) PostBatch(_ context.Context, readings []protocol.Reading) (collector.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchErr != nil {
		return collector.BatchResult{}, c.batchErr
	}
	c.batches = append(c.batches, readings)

	return collector.BatchResult{Accepted: len(readings)}, nil
}

func (c *fakeCollector) set(mutate func(*fakeCollector)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mutate(c)
}

func (c *fakeCollector) statusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusCalls
}

func (c *fakeCollector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.batches)
}

type relayHarness struct {
	machine *relay.Machine
	link    *fakeLink
	col     *fakeCollector
	clk     *clock.Fake
	store   queue.Store
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()

	h := &relayHarness{
		link:  &fakeLink{},
		col:   &fakeCollector{postAccepted: true},
		clk:   clock.NewFake(),
		store: queue.NewMemoryStore(),
	}
	h.machine = relay.New(relay.Config{
		CheckInterval:   60 * time.Second,
		ReadingInterval: 5 * time.Second,
		RetryInterval:   10 * time.Second,
		BatchSize:       100,
	}, relay.Deps{
		Clock:     h.clk,
		Collector: h.col,
		Store:     h.store,
	})
	h.machine.BindLink(h.link)

	return h
}

// start brings the session up with a quiet collector so it parks in Dormant.
func (h *relayHarness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.machine.Start())
	require.Equal(t, relay.Dormant, h.machine.Phase())
}

// connect drives the session all the way to Connected.
func (h *relayHarness) connect(t *testing.T) {
	t.Helper()

	h.col.set(func(c *fakeCollector) { c.needsRelay = true })
	h.start(t)
	require.Equal(t, relay.Scanning, h.machine.Phase())
	h.machine.HandleLinkUp()
	require.Equal(t, relay.Connected, h.machine.Phase())
}

func sampleReading() protocol.Reading {
	return protocol.Reading{SpO2: 97, HeartRate: 72, Battery: 85, Timestamp: time.Now()}
}

func (h *relayHarness) queueLen(t *testing.T) int {
	t.Helper()

	n, err := h.store.Count()
	require.NoError(t, err)

	return n
}

func TestStartPollsAndStaysDormant(t *testing.T) {
	h := newRelayHarness(t)
	h.start(t)

	assert.Equal(t, 1, h.col.statusCount())
	assert.Equal(t, 0, h.link.scans)

	h.clk.Advance(60 * time.Second)
	assert.Equal(t, 2, h.col.statusCount())
	assert.Equal(t, relay.Dormant, h.machine.Phase())
}

func TestStartTwiceRejected(t *testing.T) {
	h := newRelayHarness(t)
	h.start(t)

	err := h.machine.Start()
	require.Error(t, err)
	assert.Equal(t, relay.ErrAlreadyStarted, errors.CodeOf(err))
}

func TestDormantPollFailureKeepsPolling(t *testing.T) {
	h := newRelayHarness(t)
	h.col.set(func(c *fakeCollector) { c.statusErr = assert.AnError })
	h.start(t)

	h.clk.Advance(60 * time.Second)
	assert.Equal(t, 2, h.col.statusCount())
	assert.Equal(t, relay.Dormant, h.machine.Phase())
}

func TestNeedsRelayStartsScan(t *testing.T) {
	h := newRelayHarness(t)
	h.start(t)

	h.col.set(func(c *fakeCollector) { c.needsRelay = true })
	h.clk.Advance(60 * time.Second)

	assert.Equal(t, relay.Scanning, h.machine.Phase())
	assert.Equal(t, 1, h.link.scans)
}

func TestScanStartFailureReturnsToDormant(t *testing.T) {
	h := newRelayHarness(t)
	h.link.scanErr = assert.AnError
	h.col.set(func(c *fakeCollector) { c.needsRelay = true })

	require.NoError(t, h.machine.Start())

	assert.Equal(t, relay.Dormant, h.machine.Phase())
}

func TestScanFailureGoesDormant(t *testing.T) {
	h := newRelayHarness(t)
	h.col.set(func(c *fakeCollector) { c.needsRelay = true })
	h.start(t)
	require.Equal(t, relay.Scanning, h.machine.Phase())

	h.machine.HandleLinkDown(assert.AnError)

	assert.Equal(t, relay.Dormant, h.machine.Phase())
}

func TestConnectedRequestsReadings(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	assert.Equal(t, 1, h.link.requestCount())

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 2, h.link.requestCount())
	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 3, h.link.requestCount())
}

func TestReadingUploadedLive(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	h.machine.HandleReading(sampleReading())

	assert.Equal(t, relay.Connected, h.machine.Phase())
	assert.Equal(t, 1, h.machine.Stats().Sent)
	assert.Equal(t, 0, h.queueLen(t))
}

func TestFailedUploadQueuesAndSwitchesToQueuing(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	// Collector drops off the network entirely.
	h.col.set(func(c *fakeCollector) {
		c.postErr = assert.AnError
		c.statusErr = assert.AnError
	})

	h.machine.HandleReading(sampleReading())

	assert.Equal(t, relay.Queuing, h.machine.Phase())
	assert.Equal(t, 1, h.queueLen(t))
	assert.Equal(t, 1, h.machine.Stats().Queued)
}

func TestRejectedUploadAlsoQueues(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	h.col.set(func(c *fakeCollector) {
		c.postAccepted = false
		c.statusErr = assert.AnError
	})

	h.machine.HandleReading(sampleReading())

	assert.Equal(t, relay.Queuing, h.machine.Phase())
	assert.Equal(t, 1, h.queueLen(t))
}

func TestQueuingKeepsReadingCadence(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	h.col.set(func(c *fakeCollector) {
		c.postErr = assert.AnError
		c.statusErr = assert.AnError
	})
	h.machine.HandleReading(sampleReading())
	require.Equal(t, relay.Queuing, h.machine.Phase())

	requests := h.link.requestCount()
	h.clk.Advance(5 * time.Second)
	assert.Equal(t, requests+1, h.link.requestCount())

	// Further readings keep accumulating without phase churn.
	h.machine.HandleReading(sampleReading())
	assert.Equal(t, relay.Queuing, h.machine.Phase())
	assert.Equal(t, 2, h.queueLen(t))
}

func TestRecoveryFlushesQueueAndResumesLive(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	h.col.set(func(c *fakeCollector) {
		c.postErr = assert.AnError
		c.statusErr = assert.AnError
	})
	h.machine.HandleReading(sampleReading())
	h.machine.HandleReading(sampleReading())
	require.Equal(t, relay.Queuing, h.machine.Phase())
	require.Equal(t, 2, h.queueLen(t))

	// Collector comes back before the next probe.
	h.col.set(func(c *fakeCollector) {
		c.postErr = nil
		c.statusErr = nil
	})
	h.clk.Advance(10 * time.Second)

	assert.Equal(t, relay.Connected, h.machine.Phase())
	assert.Equal(t, 0, h.queueLen(t))
	assert.Equal(t, 1, h.col.batchCount())
	assert.Equal(t, 2, h.machine.Stats().Flushed)
}

func TestFailedProbeStaysQueuing(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	h.col.set(func(c *fakeCollector) {
		c.postErr = assert.AnError
		c.statusErr = assert.AnError
	})
	h.machine.HandleReading(sampleReading())
	require.Equal(t, relay.Queuing, h.machine.Phase())

	h.clk.Advance(10 * time.Second)
	h.clk.Advance(10 * time.Second)

	assert.Equal(t, relay.Queuing, h.machine.Phase())
	assert.Equal(t, 1, h.queueLen(t))
	assert.Equal(t, 0, h.col.batchCount())
}

func TestFailedFlushStaysQueuing(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	h.col.set(func(c *fakeCollector) {
		c.postErr = assert.AnError
		c.statusErr = assert.AnError
	})
	h.machine.HandleReading(sampleReading())
	require.Equal(t, relay.Queuing, h.machine.Phase())

	// Probe succeeds but the batch upload itself does not.
	h.col.set(func(c *fakeCollector) {
		c.statusErr = nil
		c.batchErr = assert.AnError
	})
	h.clk.Advance(10 * time.Second)

	assert.Equal(t, relay.Queuing, h.machine.Phase())
	assert.Equal(t, 1, h.queueLen(t))
}

func TestLinkLossWhileNeededRescans(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	scans := h.link.scans

	h.machine.HandleLinkDown(assert.AnError)

	assert.Equal(t, relay.Scanning, h.machine.Phase())
	assert.Equal(t, scans+1, h.link.scans)
}

func TestLinkLossWhenNoLongerNeededGoesDormant(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	// The primary reader is back; the collector no longer wants us.
	h.col.set(func(c *fakeCollector) { c.needsRelay = false })
	h.machine.HandleLinkDown(assert.AnError)

	assert.Equal(t, relay.Dormant, h.machine.Phase())
}

func TestLinkLossWithCollectorDownRescans(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	h.col.set(func(c *fakeCollector) { c.statusErr = assert.AnError })
	h.machine.HandleLinkDown(assert.AnError)

	assert.Equal(t, relay.Scanning, h.machine.Phase())
}

func TestStopCancelsTimersAndLink(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)

	h.machine.Stop()

	assert.Equal(t, relay.Stopped, h.machine.Phase())
	assert.Equal(t, 1, h.link.stops)
	assert.Equal(t, 0, h.clk.Pending())

	// Late events from the torn-down session are ignored.
	h.machine.HandleReading(sampleReading())
	h.machine.HandleLinkDown(assert.AnError)
	assert.Equal(t, relay.Stopped, h.machine.Phase())
}

func TestLateLinkUpAfterStopIgnored(t *testing.T) {
	h := newRelayHarness(t)
	h.col.set(func(c *fakeCollector) { c.needsRelay = true })
	h.start(t)
	require.Equal(t, relay.Scanning, h.machine.Phase())

	h.machine.Stop()

	// The transport may still announce the link it was bringing up.
	h.machine.HandleLinkUp()

	assert.Equal(t, relay.Stopped, h.machine.Phase())
	assert.Equal(t, 0, h.link.requestCount())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestStopDuringLinkLossPollIsHonored(t *testing.T) {
	h := newRelayHarness(t)
	h.connect(t)
	scans := h.link.scans

	// Stop lands while the link-loss status poll is in flight; the poll's
	// continuation must not revive the session.
	h.col.set(func(c *fakeCollector) { c.onStatus = h.machine.Stop })
	h.machine.HandleLinkDown(assert.AnError)

	assert.Equal(t, relay.Stopped, h.machine.Phase())
	assert.Equal(t, scans, h.link.scans)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestDormantReArmReplacesCheckTimer(t *testing.T) {
	h := newRelayHarness(t)
	h.start(t)

	// Each check-in replaces its timer; a long dormant stretch keeps
	// exactly one armed.
	for i := 0; i < 50; i++ {
		h.clk.Advance(60 * time.Second)
		require.Equal(t, 1, h.clk.Pending())
	}

	assert.Equal(t, relay.Dormant, h.machine.Phase())
	assert.Equal(t, 51, h.col.statusCount())
}

func TestReadingIgnoredOutsideSession(t *testing.T) {
	h := newRelayHarness(t)
	h.start(t)

	h.machine.HandleReading(sampleReading())

	assert.Empty(t, h.col.posts)
	assert.Equal(t, 0, h.queueLen(t))
}
