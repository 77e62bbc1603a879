// Package tracking implements the ACTIVE/IDLE/OFF state machine that
// gates every network-producing behavior of the agent.
package tracking

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// DetermineState is the pure transition function. It depends only on its
// inputs and is idempotent under repeated identical inputs.
func DetermineState(withinHours, idle, licensed bool) domain.TrackingState {
	switch {
	case !licensed:
		return domain.TrackingOff
	case !withinHours:
		return domain.TrackingOff
	case idle:
		return domain.TrackingIdle
	default:
		return domain.TrackingActive
	}
}

// Hooks are invoked on state entry. Re-entering the current state invokes
// nothing - transitions are idempotent.
type Hooks struct {
	// OnActive starts the fast heartbeat, the realtime channel, and
	// policy enforcement.
	OnActive func()

	// OnIdle keeps heartbeat and channel running at the idle cadence.
	// Idle is not absent: a student may be watching without input.
	OnIdle func()

	// OnOff stops heartbeats, disconnects the channel, and clears
	// scheduled retries. scheduleDriven is true when the license is
	// fine but school hours ended, so the caller arms a wake timer.
	OnOff func(scheduleDriven bool)
}

// Machine holds the current tracking state and applies transitions.
// It is re-evaluated on idle-signal change, schedule refresh, license-check
// results, registration/unlock events, and periodic health checks.
type Machine struct {
	// transMu serializes whole transitions: the state swap together with
	// its entry hook. Without it, racing callers could fire hooks in the
	// opposite order of the swaps and leave the side effects of a stale
	// state behind. Hooks must not call back into the machine.
	transMu sync.Mutex

	mu     sync.Mutex
	state  domain.TrackingState
	hooks  Hooks
	logger *zap.Logger
}

// NewMachine creates a machine in the OFF state. The first Reevaluate
// performs the real initial transition once inputs are known.
func NewMachine(hooks Hooks, logger *zap.Logger) *Machine {
	return &Machine{
		state:  domain.TrackingOff,
		hooks:  hooks,
		logger: logger,
	}
}

// State returns the current tracking state.
func (m *Machine) State() domain.TrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reevaluate recomputes the state from fresh inputs and fires the entry
// hook if the state changed. Returns the resulting state.
func (m *Machine) Reevaluate(withinHours, idle, licensed bool) domain.TrackingState {
	next := DetermineState(withinHours, idle, licensed)

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if next == prev {
		m.mu.Unlock()
		return next
	}
	m.state = next
	m.mu.Unlock()

	m.logger.Info("tracking state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Bool("within_hours", withinHours),
		zap.Bool("idle", idle),
		zap.Bool("licensed", licensed))

	switch next {
	case domain.TrackingActive:
		if m.hooks.OnActive != nil {
			m.hooks.OnActive()
		}
	case domain.TrackingIdle:
		if m.hooks.OnIdle != nil {
			m.hooks.OnIdle()
		}
	case domain.TrackingOff:
		if m.hooks.OnOff != nil {
			m.hooks.OnOff(licensed && !withinHours)
		}
	}
	return next
}

// Force sets the state directly (restart reconstruction). No hooks fire;
// the caller follows up with a Reevaluate once real inputs are available.
func (m *Machine) Force(state domain.TrackingState) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
