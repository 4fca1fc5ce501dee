// Package relay is the top-level orchestrator: it decides when to poll the
// collector, when to scan for the peripheral, when to request readings, and
// when to divert readings into the local queue.
package relay

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/o2relay/internal/alerts"
	"codeberg.org/mutker/o2relay/internal/clock"
	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"
	"codeberg.org/mutker/o2relay/internal/queue"
	"github.com/google/uuid"
)

const (
	DefaultCheckInterval   = 60 * time.Second
	DefaultReadingInterval = 5 * time.Second
	DefaultRetryInterval   = 10 * time.Second
)

type Config struct {
	CheckInterval   time.Duration
	ReadingInterval time.Duration
	RetryInterval   time.Duration
	BatchSize       int
}

// Deps are the relay's collaborators. Alerts is optional.
type Deps struct {
	Clock     clock.Clock
	Collector Collector
	Store     queue.Store
	Alerts    *alerts.Evaluator
}

// Machine is the relay state machine. One session at a time; each phase owns
// its timers, armed on entry and disarmed on exit. Continuations of in-flight
// calls observe the session sequence number again before acting, so a phase
// change (or stop) while a call was in flight makes the continuation a no-op.
type Machine struct {
	mu sync.Mutex

	cfg     Config
	clk     clock.Clock
	col     Collector
	store   queue.Store
	flusher *queue.Flusher
	alerts  *alerts.Evaluator
	link    Link

	phase     Phase
	seq       uint64
	sessionID uuid.UUID
	ctx       context.Context
	cancel    context.CancelFunc

	// One slot per periodic action; re-arming replaces the previous timer.
	checkTimer   clock.Timer
	readingTimer clock.Timer
	retryTimer   clock.Timer

	sent    int
	queued  int
	flushed int
}

func New(cfg Config, deps Deps) *Machine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ReadingInterval <= 0 {
		cfg.ReadingInterval = DefaultReadingInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	return &Machine{
		cfg:     cfg,
		clk:     deps.Clock,
		col:     deps.Collector,
		store:   deps.Store,
		flusher: queue.NewFlusher(deps.Store, deps.Collector, cfg.BatchSize),
		alerts:  deps.Alerts,
		phase:   Stopped,
	}
}

// BindLink attaches the connection machine. Must be called before Start; it
// is separate from New because the link's hooks point back at this machine.
func (m *Machine) BindLink(link Link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.link = link
}

// Phase returns the current relay phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phase
}

// Stats returns the session counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{Sent: m.sent, Queued: m.queued, Flushed: m.flushed}
}

// Start begins a relay session in Dormant.
func (m *Machine) Start() error {
	errFactory := errors.New()

	m.mu.Lock()
	if m.phase != Stopped {
		m.mu.Unlock()
		return errFactory.New(ErrAlreadyStarted)
	}
	if m.link == nil {
		m.mu.Unlock()
		return errFactory.WithMessage(ErrNotStarted, "no link bound")
	}
	m.sessionID = uuid.New()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	seq := m.seq
	m.mu.Unlock()

	logger.Info().Str("session_id", m.sessionID.String()).Msg("Relay session starting")

	m.transition(seq, Dormant)

	return nil
}

// Stop ends the session: timers disarmed, link torn down, in-flight
// continuations discarded.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.phase == Stopped {
		m.mu.Unlock()
		return
	}
	m.seq++
	m.phase = Stopped
	m.stopTimersLocked()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.link.Stop()

	logger.Info().Msg("Relay session stopped")
}

// HandleLinkUp is the ble machine's LinkUp hook.
func (m *Machine) HandleLinkUp() {
	m.mu.Lock()
	if m.phase != Scanning {
		m.mu.Unlock()
		return
	}
	seq := m.seq
	m.mu.Unlock()

	if !m.transition(seq, Connected) {
		return
	}

	if m.alerts != nil {
		m.alerts.SetConnected(true)
	}
}

// HandleLinkDown is the ble machine's LinkDown hook.
func (m *Machine) HandleLinkDown(cause error) {
	m.mu.Lock()
	phase := m.phase
	seq := m.seq
	m.mu.Unlock()

	if m.alerts != nil && (phase == Connected || phase == Queuing) {
		m.alerts.SetConnected(false)
	}

	switch phase {
	case Scanning:
		if cause != nil {
			logger.Info().Err(cause).Msg("Scan attempt failed, going dormant")
		}
		m.parkDormant(seq)
	case Connected, Queuing:
		logger.Warn().Err(cause).Msg("Peripheral link lost")
		m.afterLinkLoss(seq)
	case Dormant, Stopped:
		// Nothing to reacquire.
	}
}

// HandleReading is the ble machine's Reading hook: upload live, or divert to
// the queue when the collector cannot take it.
func (m *Machine) HandleReading(reading protocol.Reading) {
	if m.alerts != nil {
		m.alerts.EvaluateReading(reading)
	}

	m.mu.Lock()
	phase := m.phase
	seq := m.seq
	ctx := m.ctx
	m.mu.Unlock()

	if phase != Connected && phase != Queuing {
		return
	}

	accepted, err := m.col.PostReading(ctx, reading, false)

	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}

	if err == nil && accepted {
		m.sent++
		m.mu.Unlock()
		logger.Debug().Int("spo2", reading.SpO2).Int("heart_rate", reading.HeartRate).Msg("Reading relayed")
		return
	}
	m.mu.Unlock()

	m.enqueue(reading)

	m.mu.Lock()
	stillConnected := m.seq == seq && m.phase == Connected
	m.mu.Unlock()

	if stillConnected {
		logger.Warn().Err(err).Msg("Live upload failed, switching to queuing")
		m.transition(seq, Queuing)
	}
}

// transition moves to the next phase, disarming the old phase's timers and
// running the new phase's entry action. The seq check and the phase change
// share one critical section, so a continuation whose session has moved on
// (another transition, or Stop) aborts instead of clobbering the new phase.
// Reports whether the transition happened.
func (m *Machine) transition(seq uint64, next Phase) bool {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return false
	}
	m.seq++
	newSeq := m.seq
	from := m.phase
	m.phase = next
	m.stopTimersLocked()
	m.mu.Unlock()

	logger.Debug().Str("from", from.String()).Str("to", next.String()).Msg("Relay phase change")

	switch next {
	case Dormant:
		m.checkIn(newSeq)
	case Scanning:
		m.beginScan(newSeq)
	case Connected:
		m.readingTick(newSeq)
	case Queuing:
		m.armTimer(newSeq, &m.readingTimer, m.cfg.ReadingInterval, m.readingTick)
		m.retryTick(newSeq)
	case Stopped:
	}

	return true
}

// checkIn polls collector status from Dormant; "needs relay" wakes the
// session up. A failed poll is a soft condition, not a phase change.
func (m *Machine) checkIn(seq uint64) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	status, err := m.col.GetStatus(ctx)

	m.mu.Lock()
	if m.seq != seq || m.phase != Dormant {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err != nil {
		logger.Info().Err(err).Msg("Collector status poll failed")
	} else if status.NeedsRelay {
		logger.Info().
			Int("last_reading_age_seconds", status.LastReadingAgeSec).
			Msg("Collector needs relay, starting scan")
		m.transition(seq, Scanning)
		return
	}

	m.armTimer(seq, &m.checkTimer, m.cfg.CheckInterval, m.checkIn)
}

func (m *Machine) beginScan(seq uint64) {
	if err := m.link.StartScan(); err != nil {
		logger.Warn().Err(err).Msg("Could not start scan")
		m.parkDormant(seq)
	}
	// Success continues via HandleLinkUp / HandleLinkDown.
}

// parkDormant enters Dormant without the entry poll; the caller just
// learned the answer (or just failed to scan) and the next poll waits for
// the check interval. This keeps a persistently failing scan from cycling
// Dormant and Scanning back to back.
func (m *Machine) parkDormant(seq uint64) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.seq++
	next := m.seq
	from := m.phase
	m.phase = Dormant
	m.stopTimersLocked()
	m.mu.Unlock()

	logger.Debug().Str("from", from.String()).Str("to", Dormant.String()).Msg("Relay phase change")

	m.armTimer(next, &m.checkTimer, m.cfg.CheckInterval, m.checkIn)
}

// readingTick requests a reading over the link; runs in Connected and
// Queuing (the link stays up while queuing).
func (m *Machine) readingTick(seq uint64) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.link.RequestReading(); err != nil {
		// The link machine handles its own teardown; we hear about it
		// through HandleLinkDown.
		logger.Debug().Err(err).Msg("Reading request failed")
	}

	m.armTimer(seq, &m.readingTimer, m.cfg.ReadingInterval, m.readingTick)
}

// retryTick probes collector reachability from Queuing and drains the queue
// on recovery.
func (m *Machine) retryTick(seq uint64) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	_, err := m.col.GetStatus(ctx)

	m.mu.Lock()
	if m.seq != seq || m.phase != Queuing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err != nil {
		m.armTimer(seq, &m.retryTimer, m.cfg.RetryInterval, m.retryTick)
		return
	}

	stats, err := m.flusher.Flush(ctx)

	m.mu.Lock()
	if m.seq != seq || m.phase != Queuing {
		m.mu.Unlock()
		return
	}
	m.flushed += stats.Accepted
	m.mu.Unlock()

	if err != nil {
		logger.Warn().Err(err).Int("flushed", stats.Sent).Msg("Queue flush interrupted")
		m.armTimer(seq, &m.retryTimer, m.cfg.RetryInterval, m.retryTick)
		return
	}

	logger.Info().
		Int("sent", stats.Sent).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).
		Msg("Queue drained, resuming live relay")
	m.transition(seq, Connected)
}

// afterLinkLoss polls status once to decide between reacquiring the link and
// going dormant.
func (m *Machine) afterLinkLoss(seq uint64) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	status, err := m.col.GetStatus(ctx)

	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err == nil && !status.NeedsRelay {
		logger.Info().Msg("Primary reader recovered, going dormant")
		m.parkDormant(seq)
		return
	}

	// Still needed (or collector unreachable): try to get the link back.
	m.transition(seq, Scanning)
}

func (m *Machine) enqueue(reading protocol.Reading) {
	if err := m.store.Append(reading); err != nil {
		logger.ErrorWithCode(errors.New().Wrap(ErrEnqueueFailed, err)).Msg("Dropping reading")
		return
	}

	m.mu.Lock()
	m.queued++
	m.mu.Unlock()
}

// armTimer replaces the slot's timer with a fresh one, so a long-lived phase
// re-arming its periodic action does not pile up spent timers.
func (m *Machine) armTimer(seq uint64, slot *clock.Timer, d time.Duration, tick func(uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seq != seq {
		return
	}
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = m.clk.AfterFunc(d, func() { tick(seq) })
}

func (m *Machine) stopTimersLocked() {
	for _, slot := range []*clock.Timer{&m.checkTimer, &m.readingTimer, &m.retryTimer} {
		if *slot != nil {
			(*slot).Stop()
			*slot = nil
		}
	}
}
