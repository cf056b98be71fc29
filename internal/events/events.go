package events

import (
	"time"

	"funding-arb-bot/internal/ledger"
)

type Type string

const (
	TypeSignalDetected    Type = "signal_detected"
	TypeStateTransition   Type = "state_transition"
	TypeRollbackExecuted  Type = "rollback_executed"
	TypeRiskExitForced    Type = "risk_exit_forced"
	TypePositionClosed    Type = "position_closed"
	TypeRebalanceExecuted Type = "rebalance_executed"
	TypeRecoveryEscalated Type = "recovery_escalated"
)

// Event is one record in the append-only stream handed to the sinks. The
// populated fields depend on Type; everything marshals flat for the CSV,
// Timescale and archive consumers.
type Event struct {
	Type           Type      `json:"type"`
	Time           time.Time `json:"time"`
	Symbol         string    `json:"symbol"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Trigger        string    `json:"trigger,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	OrphanLeg      string    `json:"orphan_leg,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	RealizedPnlUSD float64   `json:"realized_pnl_usd,omitempty"`
	NetDailyUSD    float64   `json:"net_daily_usd,omitempty"`
}

func SignalDetected(now time.Time, symbol string, netDailyUSD float64) Event {
	return Event{Type: TypeSignalDetected, Time: now, Symbol: symbol, NetDailyUSD: netDailyUSD}
}

func StateTransition(now time.Time, symbol string, from, to ledger.State, trigger string, held time.Duration) Event {
	return Event{
		Type:       TypeStateTransition,
		Time:       now,
		Symbol:     symbol,
		From:       string(from),
		To:         string(to),
		Trigger:    trigger,
		DurationMS: held.Milliseconds(),
	}
}

func RollbackExecuted(now time.Time, symbol, orphanLeg, reason string, costUSD float64) Event {
	return Event{
		Type:      TypeRollbackExecuted,
		Time:      now,
		Symbol:    symbol,
		OrphanLeg: orphanLeg,
		Reason:    reason,
		CostUSD:   costUSD,
	}
}

func RiskExitForced(now time.Time, symbol, reason string) Event {
	return Event{Type: TypeRiskExitForced, Time: now, Symbol: symbol, Reason: reason}
}

func PositionClosed(now time.Time, symbol string, realizedPnlUSD float64) Event {
	return Event{Type: TypePositionClosed, Time: now, Symbol: symbol, RealizedPnlUSD: realizedPnlUSD}
}

func RebalanceExecuted(now time.Time, symbol string, costUSD float64) Event {
	return Event{Type: TypeRebalanceExecuted, Time: now, Symbol: symbol, CostUSD: costUSD}
}

func RecoveryEscalated(now time.Time, symbol, reason string) Event {
	return Event{Type: TypeRecoveryEscalated, Time: now, Symbol: symbol, Reason: reason}
}
