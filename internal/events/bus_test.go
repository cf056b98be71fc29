package events

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
)

func TestBusDeliversInOrder(t *testing.T) {
	got := make(chan Event, 8)
	bus := NewBus(zap.NewNop(), 8, SinkFunc(func(ev Event) { got <- ev }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	now := time.Unix(1700000000, 0).UTC()
	bus.Publish(SignalDetected(now, "BTC", 12.5))
	bus.Publish(StateTransition(now, "BTC", ledger.StateIdle, ledger.StateOpening, "should_open", 0))
	bus.Publish(PositionClosed(now, "BTC", 41.5))

	want := []Type{TypeSignalDetected, TypeStateTransition, TypePositionClosed}
	for i, typ := range want {
		select {
		case ev := <-got:
			if ev.Type != typ {
				t.Fatalf("event %d: expected %s, got %s", i, typ, ev.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1, SinkFunc(func(Event) {}))
	// Not started: nothing drains the buffer.
	bus.Publish(RiskExitForced(time.Now(), "BTC", "margin"))
	bus.Publish(RiskExitForced(time.Now(), "BTC", "margin"))
	bus.Publish(RiskExitForced(time.Now(), "BTC", "margin"))
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
}

func TestBusNilSafe(t *testing.T) {
	var bus *Bus
	bus.Start(context.Background())
	bus.Publish(Event{})
	if bus.Dropped() != 0 {
		t.Fatalf("expected nil bus to report zero drops")
	}
}

func TestStateTransitionEvent(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	ev := StateTransition(now, "ETH", ledger.StateOpening, ledger.StateActive, "both_filled", 1500*time.Millisecond)
	if ev.From != "OPENING" || ev.To != "ACTIVE" {
		t.Fatalf("unexpected from/to: %s -> %s", ev.From, ev.To)
	}
	if ev.DurationMS != 1500 {
		t.Fatalf("expected 1500ms, got %d", ev.DurationMS)
	}
	if ev.Trigger != "both_filled" {
		t.Fatalf("unexpected trigger %q", ev.Trigger)
	}
}

func TestRollbackEventFields(t *testing.T) {
	now := time.Now()
	ev := RollbackExecuted(now, "BTC", "hyperliquid/BTC", "open_timeout", 12.75)
	if ev.OrphanLeg != "hyperliquid/BTC" || ev.Reason != "open_timeout" || ev.CostUSD != 12.75 {
		t.Fatalf("unexpected rollback event: %#v", ev)
	}
}
