// Package ble drives peripheral discovery and link establishment through a
// fixed sequence of phases, each bounded by a timeout, on top of an abstract
// transport capability.
package ble

import (
	"sync"
	"time"

	"codeberg.org/mutker/o2relay/internal/clock"
	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"
)

const (
	DefaultScanTimeout    = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

type Config struct {
	Filter         Filter
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Hooks carries link and reading events up to the orchestrator.
type Hooks struct {
	LinkUp   func()
	LinkDown func(err error)
	Reading  func(reading protocol.Reading)
}

// Machine is the connection state machine. All transport outcomes funnel
// through it; it owns the notification receive buffer for the current
// attempt and never shares it across attempts.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	transport Transport
	clk       clock.Clock
	hooks     Hooks

	phase        Phase
	scanTimer    clock.Timer
	connectTimer clock.Timer
	buffer       []byte
	lastErr      error
}

func NewMachine(transport Transport, clk clock.Clock, cfg Config, hooks Hooks) *Machine {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Machine{
		cfg:       cfg,
		transport: transport,
		clk:       clk,
		hooks:     hooks,
		phase:     Idle,
	}

	transport.SetCallbacks(Callbacks{
		DeviceFound:          m.onDeviceFound,
		LinkUp:               m.onLinkUp,
		CapabilitiesFound:    m.onCapabilitiesFound,
		NotificationsEnabled: m.onNotificationsEnabled,
		Notify:               m.onNotify,
		Disconnected:         m.onDisconnected,
		Failed:               m.onTransportFailed,
	})

	return m
}

// Phase returns the current connection phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phase
}

// StartScan begins a new link attempt. It is rejected unless the machine is
// Idle; callers must observe the phase before acting.
func (m *Machine) StartScan() error {
	errFactory := errors.New()

	m.mu.Lock()
	if m.phase != Idle {
		phase := m.phase
		m.mu.Unlock()

		return errFactory.WithData(ErrNotIdle, phase.String())
	}
	m.phase = Scanning
	m.buffer = nil
	m.lastErr = nil
	m.scanTimer = m.clk.AfterFunc(m.cfg.ScanTimeout, m.onScanTimeout)
	m.mu.Unlock()

	logger.Debug().Str("mac", m.cfg.Filter.MAC).Msg("Scanning for peripheral")

	if err := m.transport.Scan(m.cfg.Filter); err != nil {
		wrapped := errFactory.Wrap(ErrScanFailed, err)
		m.fail(wrapped)

		return wrapped
	}

	return nil
}

// RequestReading sends the request-current-reading command. Only valid while
// Connected.
func (m *Machine) RequestReading() error {
	errFactory := errors.New()

	m.mu.Lock()
	if m.phase != Connected {
		phase := m.phase
		m.mu.Unlock()

		return errFactory.WithData(ErrNotConnected, phase.String())
	}
	m.mu.Unlock()

	if err := m.transport.Send(protocol.BuildReadingCommand()); err != nil {
		wrapped := errFactory.Wrap(ErrSendFailed, err)
		m.fail(wrapped)

		return wrapped
	}

	return nil
}

// Stop tears the link attempt down from any phase.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.phase == Idle || m.phase == Disconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.beginDisconnect(nil)
}

func (m *Machine) onScanTimeout() {
	m.mu.Lock()
	if m.phase != Scanning {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	logger.Info().Msg("Scan timed out")
	m.fail(errors.New().New(ErrScanTimeout))
}

func (m *Machine) onConnectTimeout() {
	m.mu.Lock()
	if m.phase != Connecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	logger.Info().Msg("Connect timed out")
	m.fail(errors.New().New(ErrConnectTimeout))
}

func (m *Machine) onDeviceFound(target Target) {
	m.mu.Lock()
	if m.phase != Scanning {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.phase = Connecting
	m.connectTimer = m.clk.AfterFunc(m.cfg.ConnectTimeout, m.onConnectTimeout)
	m.mu.Unlock()

	logger.Info().
		Str("address", target.Address).
		Str("name", target.Name).
		Msg("Peripheral found")

	m.transport.StopScan()

	if err := m.transport.Connect(target); err != nil {
		m.fail(errors.New().Wrap(ErrConnectFailed, err))
	}
}

func (m *Machine) onLinkUp() {
	m.mu.Lock()
	if m.phase != Connecting {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.phase = DiscoveringCapabilities
	m.mu.Unlock()

	if err := m.transport.DiscoverCapabilities(); err != nil {
		m.fail(errors.New().Wrap(ErrDiscoverFailed, err))
	}
}

func (m *Machine) onCapabilitiesFound() {
	m.mu.Lock()
	if m.phase != DiscoveringCapabilities {
		m.mu.Unlock()
		return
	}
	m.phase = EnablingNotifications
	m.mu.Unlock()

	if err := m.transport.EnableNotifications(); err != nil {
		m.fail(errors.New().Wrap(ErrNotifyFailed, err))
	}
}

func (m *Machine) onNotificationsEnabled() {
	m.mu.Lock()
	if m.phase != EnablingNotifications {
		m.mu.Unlock()
		return
	}
	m.phase = Connected
	m.mu.Unlock()

	logger.Info().Msg("Peripheral connected, notifications enabled")

	if m.hooks.LinkUp != nil {
		m.hooks.LinkUp()
	}
}

func (m *Machine) onNotify(data []byte) {
	m.mu.Lock()
	if m.phase != Connected {
		m.mu.Unlock()
		return
	}

	m.buffer = protocol.CapBuffer(append(m.buffer, data...))

	var frames [][]byte
	for {
		frame, rest, ok := protocol.FindFrame(m.buffer)
		if !ok {
			break
		}
		frames = append(frames, frame)
		m.buffer = rest
	}
	m.mu.Unlock()

	for _, frame := range frames {
		res := protocol.Parse(frame)
		switch res.Status {
		case protocol.StatusOK:
			if m.hooks.Reading != nil {
				m.hooks.Reading(res.Reading)
			}
		case protocol.StatusError:
			// Protocol errors are recoverable: drop the frame, keep the link.
			logger.Debug().Str("code", string(res.Code)).Msg("Discarding frame")
		case protocol.StatusIncomplete:
			// FindFrame only yields complete frames; nothing to do.
		}
	}
}

func (m *Machine) onDisconnected(err error) {
	m.mu.Lock()
	if m.phase == Idle {
		m.mu.Unlock()
		return
	}

	wasRequested := m.phase == Disconnecting
	m.stopTimersLocked()
	m.phase = Idle
	m.buffer = nil

	cause := m.lastErr
	m.lastErr = nil
	if !wasRequested {
		cause = errors.New().Wrap(ErrLinkLost, err)
	}
	m.mu.Unlock()

	if m.hooks.LinkDown != nil {
		m.hooks.LinkDown(cause)
	}
}

func (m *Machine) onTransportFailed(err error) {
	m.fail(errors.New().Wrap(ErrLinkLost, err))
}

// fail records the cause and tears the attempt down.
func (m *Machine) fail(err error) {
	m.mu.Lock()
	if m.phase == Idle || m.phase == Disconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	logger.Warn().Err(err).Msg("Link attempt failed")
	m.beginDisconnect(err)
}

func (m *Machine) beginDisconnect(cause error) {
	m.mu.Lock()
	if m.phase == Idle || m.phase == Disconnecting {
		m.mu.Unlock()
		return
	}
	fromScan := m.phase == Scanning
	m.stopTimersLocked()
	m.phase = Disconnecting
	m.lastErr = cause
	m.mu.Unlock()

	if fromScan {
		m.transport.StopScan()
	}
	m.transport.Disconnect()
}

func (m *Machine) stopTimersLocked() {
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}
