package alerts

import (
	"context"
	"fmt"
	"sync/atomic"

	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/ledger"

	"go.uber.org/zap"
)

// Notifier forwards operator-relevant events to Telegram. Consume hands off
// to an internal queue so a slow send never stalls the bus dispatch loop.
// Routine state transitions stay out of the chat; only entries, exits and
// remediations page the operator.
type Notifier struct {
	tg      *Telegram
	log     *zap.Logger
	ch      chan string
	started atomic.Bool
	dropped atomic.Uint64
}

func NewNotifier(tg *Telegram, log *zap.Logger) *Notifier {
	if tg == nil || !tg.enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		tg:  tg,
		log: log,
		ch:  make(chan string, 64),
	}
}

func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	go n.run(ctx)
}

// Consume filters and formats the event, then queues the message.
func (n *Notifier) Consume(ev events.Event) {
	if n == nil {
		return
	}
	text := formatEvent(ev)
	if text == "" {
		return
	}
	select {
	case n.ch <- text:
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("alert queue full, dropping", zap.String("type", string(ev.Type)))
		}
	}
}

func (n *Notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.ch:
			if err := n.tg.Send(ctx, text); err != nil {
				n.log.Warn("telegram alert failed", zap.Error(err))
			}
		}
	}
}

// formatEvent renders the alert text, or "" for events that stay quiet.
func formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.TypeSignalDetected:
		return fmt.Sprintf("%s: entry signal, net %.2f USD/day", ev.Symbol, ev.NetDailyUSD)
	case events.TypeStateTransition:
		if ev.From == string(ledger.StateOpening) && ev.To == string(ledger.StateActive) {
			return fmt.Sprintf("%s: hedge active, both legs filled in %dms", ev.Symbol, ev.DurationMS)
		}
		return ""
	case events.TypeRollbackExecuted:
		return fmt.Sprintf("%s: orphan leg %s flattened after %s, cost %.2f USD", ev.Symbol, ev.OrphanLeg, ev.Reason, ev.CostUSD)
	case events.TypeRiskExitForced:
		return fmt.Sprintf("%s: risk exit forced: %s", ev.Symbol, ev.Reason)
	case events.TypeRebalanceExecuted:
		return fmt.Sprintf("%s: delta rebalanced, cost %.2f USD", ev.Symbol, ev.CostUSD)
	case events.TypePositionClosed:
		return fmt.Sprintf("%s: position closed, realized pnl %.2f USD", ev.Symbol, ev.RealizedPnlUSD)
	case events.TypeRecoveryEscalated:
		return fmt.Sprintf("%s: close recovery escalated: %s", ev.Symbol, ev.Reason)
	}
	return ""
}
