package hedge

import (
	"testing"
	"time"

	"funding-arb-bot/internal/ledger"
)

func TestMachineFullLifecycle(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	m := NewMachine("", start)
	if m.State() != ledger.StateIdle {
		t.Fatalf("expected empty initial to mean IDLE, got %s", m.State())
	}

	steps := []struct {
		to      ledger.State
		trigger string
	}{
		{ledger.StateOpening, "entry_signal"},
		{ledger.StateActive, "both_legs_filled"},
		{ledger.StateClosing, "net_yield_negative"},
		{ledger.StateRecovering, "close_leg_failed"},
		{ledger.StateActive, "recovery_escalated"},
		{ledger.StateClosing, "operator_close"},
		{ledger.StateClosed, "both_legs_closed"},
		{ledger.StateIdle, "position_archived"},
	}
	now := start
	for _, s := range steps {
		now = now.Add(time.Minute)
		tr, ok := m.Apply(now, s.to, s.trigger)
		if !ok {
			t.Fatalf("expected %s -> %s to be allowed", m.State(), s.to)
		}
		if tr.To != s.to || tr.Trigger != s.trigger {
			t.Fatalf("expected transition to %s via %s, got %s via %s", s.to, s.trigger, tr.To, tr.Trigger)
		}
		if tr.Duration != time.Minute {
			t.Fatalf("expected a minute in %s, got %s", tr.From, tr.Duration)
		}
	}
}

func TestMachineRollbackPath(t *testing.T) {
	now := time.Now().UTC()
	m := NewMachine(ledger.StateIdle, now)
	if _, ok := m.Apply(now, ledger.StateOpening, "entry_signal"); !ok {
		t.Fatalf("expected IDLE -> OPENING to be allowed")
	}
	if m.CanApply(ledger.StateClosing) {
		t.Fatalf("expected OPENING -> CLOSING to be rejected")
	}
	if _, ok := m.Apply(now, ledger.StateRollingBack, "open_timeout_orphan"); !ok {
		t.Fatalf("expected OPENING -> ROLLING_BACK to be allowed")
	}
	if _, ok := m.Apply(now, ledger.StateIdle, "orphan_flattened"); !ok {
		t.Fatalf("expected ROLLING_BACK -> IDLE to be allowed")
	}
}

func TestMachineRejectsSkippedStates(t *testing.T) {
	m := NewMachine(ledger.StateIdle, time.Now().UTC())
	for _, to := range []ledger.State{
		ledger.StateActive,
		ledger.StateRollingBack,
		ledger.StateClosing,
		ledger.StateRecovering,
		ledger.StateClosed,
	} {
		if _, ok := m.Apply(time.Now().UTC(), to, "skip"); ok {
			t.Fatalf("expected IDLE -> %s to be rejected", to)
		}
	}
	if m.State() != ledger.StateIdle {
		t.Fatalf("expected rejected transitions to leave the machine IDLE, got %s", m.State())
	}
}

func TestMachineInState(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	m := NewMachine(ledger.StateActive, start)
	if got := m.InState(start.Add(45 * time.Second)); got != 45*time.Second {
		t.Fatalf("expected 45s in state, got %s", got)
	}
}
