package hedge

import (
	"time"

	"funding-arb-bot/internal/ledger"
)

// Transition records one accepted state change and how long the position
// spent in the state it left.
type Transition struct {
	From     ledger.State
	To       ledger.State
	Trigger  string
	Duration time.Duration
}

// allowed is the lifecycle table. Anything not listed is rejected, which is
// what keeps a crashed tick from ever skipping the rollback or recovery
// states.
var allowed = map[ledger.State][]ledger.State{
	ledger.StateIdle:        {ledger.StateOpening},
	ledger.StateOpening:     {ledger.StateActive, ledger.StateRollingBack, ledger.StateIdle},
	ledger.StateRollingBack: {ledger.StateIdle},
	ledger.StateActive:      {ledger.StateClosing},
	ledger.StateClosing:     {ledger.StateClosed, ledger.StateRecovering},
	ledger.StateRecovering:  {ledger.StateClosed, ledger.StateActive},
	ledger.StateClosed:      {ledger.StateIdle},
}

// Machine tracks one symbol's lifecycle state and when it was entered. It is
// not safe for concurrent use; the controller serializes access through its
// tick lock.
type Machine struct {
	state     ledger.State
	enteredAt time.Time
}

// NewMachine starts at initial, or IDLE when initial is empty. Controllers
// resuming a persisted position seed it with the stored state.
func NewMachine(initial ledger.State, now time.Time) *Machine {
	if initial == "" {
		initial = ledger.StateIdle
	}
	return &Machine{state: initial, enteredAt: now}
}

func (m *Machine) State() ledger.State { return m.state }

// InState reports how long the machine has held its current state.
func (m *Machine) InState(now time.Time) time.Duration {
	return now.Sub(m.enteredAt)
}

// CanApply reports whether the lifecycle table permits moving to the given
// state from the current one.
func (m *Machine) CanApply(to ledger.State) bool {
	for _, next := range allowed[m.state] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply moves the machine to the requested state and returns the timed
// transition. A move outside the lifecycle table returns false and leaves
// the machine untouched.
func (m *Machine) Apply(now time.Time, to ledger.State, trigger string) (Transition, bool) {
	if !m.CanApply(to) {
		return Transition{}, false
	}
	tr := Transition{
		From:     m.state,
		To:       to,
		Trigger:  trigger,
		Duration: now.Sub(m.enteredAt),
	}
	m.state = to
	m.enteredAt = now
	return tr, true
}
