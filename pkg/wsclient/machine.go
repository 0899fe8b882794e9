// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsclient is the client side of the agent WebSocket protocol.
//
// Machine is the reconnection state machine. It holds no sockets or timers:
// every event method returns the Actions the driver must perform, so it can
// be exercised without a network. Client drives a Machine over a real
// gorilla/websocket connection.
package wsclient

import (
	"fmt"
	"time"
)

// State is a connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpenUnstable State = "open_unstable"
	StateOpenStable   State = "open_stable"
	StateBackoff      State = "backoff"
)

func (s State) String() string {
	return string(s)
}

// ActionKind names a side effect requested by the Machine.
type ActionKind string

const (
	// ActionDial opens a new connection.
	ActionDial ActionKind = "dial"

	// ActionStartStabilityTimer arms a timer that reports StabilityElapsed.
	ActionStartStabilityTimer ActionKind = "start_stability_timer"

	// ActionSendProbe sends one side-effect-free liveness probe (ping).
	ActionSendProbe ActionKind = "send_probe"

	// ActionSend writes Payload to the open connection.
	ActionSend ActionKind = "send"

	// ActionScheduleRetry arms a timer that reports RetryElapsed after Delay.
	ActionScheduleRetry ActionKind = "schedule_retry"
)

// Action is one side effect. Gen identifies the connection attempt the
// action belongs to; timer events must echo it back.
type Action struct {
	Kind    ActionKind
	Gen     uint64
	Delay   time.Duration
	Payload []byte
}

// MachineConfig tunes backoff and stability detection.
type MachineConfig struct {
	// BaseDelay is multiplied by the attempt number. Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Default: 30s
	MaxDelay time.Duration

	// MinInterval is the minimum time between two dials. Zero disables the
	// check; DefaultMachineConfig uses 1s.
	MinInterval time.Duration

	// StabilityWindow is how long a connection must stay open before it is
	// considered stable. Default: 2s
	StabilityWindow time.Duration
}

// DefaultMachineConfig returns the standard reconnection settings.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MinInterval:     time.Second,
		StabilityWindow: 2 * time.Second,
	}
}

// Machine is the reconnection state machine. It is not safe for concurrent
// use; a single driver goroutine owns it.
type Machine struct {
	cfg      MachineConfig
	state    State
	attempt  int
	gen      uint64
	lastDial time.Time

	pending    []byte
	hasPending bool
}

// NewMachine returns a Machine in StateDisconnected. Zero config fields
// take defaults.
func NewMachine(cfg MachineConfig) *Machine {
	def := DefaultMachineConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = def.StabilityWindow
	}
	return &Machine{cfg: cfg, state: StateDisconnected}
}

func (m *Machine) State() State { return m.state }

// Attempt is the backoff attempt number; n in Backoff(n).
func (m *Machine) Attempt() int { return m.attempt }

// Gen is the current connection generation.
func (m *Machine) Gen() uint64 { return m.gen }

// Pending reports the buffered outbound message, if any.
func (m *Machine) Pending() ([]byte, bool) { return m.pending, m.hasPending }

// Status renders the state with the attempt number while backing off.
func (m *Machine) Status() string {
	if m.state == StateBackoff {
		return fmt.Sprintf("backoff(%d)", m.attempt)
	}
	return m.state.String()
}

// Start begins connecting from StateDisconnected.
func (m *Machine) Start(now time.Time) []Action {
	if m.state != StateDisconnected {
		return nil
	}
	return m.dial(now)
}

// Opened reports that the dial for gen succeeded.
func (m *Machine) Opened(gen uint64) []Action {
	if gen != m.gen || m.state != StateConnecting {
		return nil
	}
	m.state = StateOpenUnstable
	return []Action{{Kind: ActionStartStabilityTimer, Gen: m.gen, Delay: m.cfg.StabilityWindow}}
}

// StabilityElapsed reports that the stability timer for gen fired. A
// connection still open becomes stable: attempts reset, one probe is sent
// and the pending slot is replayed once.
func (m *Machine) StabilityElapsed(gen uint64) []Action {
	if gen != m.gen || m.state != StateOpenUnstable {
		return nil
	}
	m.state = StateOpenStable
	m.attempt = 0

	actions := []Action{{Kind: ActionSendProbe, Gen: m.gen}}
	if m.hasPending {
		actions = append(actions, Action{Kind: ActionSend, Gen: m.gen, Payload: m.pending})
		m.pending, m.hasPending = nil, false
	}
	return actions
}

// Closed reports that the connection (or dial) for gen failed or closed.
// A close from StateOpenStable restarts the attempt counter, so the next
// state is Backoff(1).
func (m *Machine) Closed(gen uint64, now time.Time) []Action {
	if gen != m.gen {
		return nil
	}
	switch m.state {
	case StateConnecting, StateOpenUnstable:
	case StateOpenStable:
		m.attempt = 0
	default:
		return nil
	}
	m.attempt++
	m.state = StateBackoff
	return []Action{{Kind: ActionScheduleRetry, Gen: m.gen, Delay: m.backoffDelay(now)}}
}

// RetryElapsed reports that the retry timer for gen fired.
func (m *Machine) RetryElapsed(gen uint64, now time.Time) []Action {
	if gen != m.gen || m.state != StateBackoff {
		return nil
	}
	return m.dial(now)
}

// Send writes payload when the connection is stable. Otherwise payload
// replaces whatever is in the pending slot and the returned bool reports
// whether an older unsent message was overwritten.
func (m *Machine) Send(payload []byte) ([]Action, bool) {
	if m.state == StateOpenStable {
		return []Action{{Kind: ActionSend, Gen: m.gen, Payload: payload}}, false
	}
	replaced := m.hasPending
	m.pending, m.hasPending = payload, true
	return nil, replaced
}

// DropPending empties the pending slot so an abandoned message is never
// replayed.
func (m *Machine) DropPending() {
	m.pending, m.hasPending = nil, false
}

// Stop returns to StateDisconnected. The pending slot is kept so a later
// Start replays it.
func (m *Machine) Stop() {
	m.state = StateDisconnected
	m.attempt = 0
	m.gen++
}

func (m *Machine) dial(now time.Time) []Action {
	m.gen++
	m.state = StateConnecting
	m.lastDial = now
	return []Action{{Kind: ActionDial, Gen: m.gen}}
}

// backoffDelay is min(base × attempt, cap), stretched so the next dial is
// never sooner than MinInterval after the previous one.
func (m *Machine) backoffDelay(now time.Time) time.Duration {
	delay := min(m.cfg.BaseDelay*time.Duration(m.attempt), m.cfg.MaxDelay)
	if earliest := m.lastDial.Add(m.cfg.MinInterval); now.Add(delay).Before(earliest) {
		delay = earliest.Sub(now)
	}
	return delay
}
