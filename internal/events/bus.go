package events

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultBuffer = 256

// Sink receives events from the bus dispatch loop. Implementations must be
// quick or hand off internally; a slow sink delays later sinks but can never
// block a publisher.
type Sink interface {
	Consume(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Consume(ev Event) { f(ev) }

// Bus fans events out to the registered sinks from a single goroutine.
// Publish never blocks: when the buffer is full the event is dropped and
// counted.
type Bus struct {
	log     *zap.Logger
	ch      chan Event
	sinks   []Sink
	started atomic.Bool
	dropped atomic.Uint64
}

func NewBus(log *zap.Logger, buffer int, sinks ...Sink) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		log:   log,
		ch:    make(chan Event, buffer),
		sinks: sinks,
	}
}

func (b *Bus) Start(ctx context.Context) {
	if b == nil {
		return
	}
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.run(ctx)
}

// Publish enqueues the event for dispatch. Fire and forget.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	select {
	case b.ch <- ev:
	default:
		if b.dropped.Add(1) == 1 {
			b.log.Warn("event queue full, dropping", zap.String("type", string(ev.Type)))
		}
	}
}

func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			for _, sink := range b.sinks {
				sink.Consume(ev)
			}
		}
	}
}

// LogSink writes every event to the structured log. Orphan remediation and
// escalations surface at warn/error so they stand out of the info stream.
func LogSink(log *zap.Logger) Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return SinkFunc(func(ev Event) {
		fields := []zap.Field{
			zap.String("symbol", ev.Symbol),
			zap.Time("at", ev.Time),
		}
		switch ev.Type {
		case TypeStateTransition:
			fields = append(fields,
				zap.String("from", ev.From),
				zap.String("to", ev.To),
				zap.String("trigger", ev.Trigger),
				zap.Int64("held_ms", ev.DurationMS),
			)
			log.Info("state transition", fields...)
		case TypeSignalDetected:
			log.Info("entry signal", append(fields, zap.Float64("net_daily_usd", ev.NetDailyUSD))...)
		case TypeRollbackExecuted:
			fields = append(fields,
				zap.String("orphan_leg", ev.OrphanLeg),
				zap.String("reason", ev.Reason),
				zap.Float64("cost_usd", ev.CostUSD),
			)
			log.Warn("orphan leg rolled back", fields...)
		case TypeRiskExitForced:
			log.Warn("risk exit forced", append(fields, zap.String("reason", ev.Reason))...)
		case TypeRebalanceExecuted:
			log.Info("rebalance executed", append(fields, zap.Float64("cost_usd", ev.CostUSD))...)
		case TypePositionClosed:
			log.Info("position closed", append(fields, zap.Float64("realized_pnl_usd", ev.RealizedPnlUSD))...)
		case TypeRecoveryEscalated:
			log.Error("close recovery escalated", append(fields, zap.String("reason", ev.Reason))...)
		default:
			log.Info("event", append(fields, zap.String("type", string(ev.Type)))...)
		}
	})
}
