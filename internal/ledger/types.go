package ledger

import (
	"math"
	"time"
)

type State string

const (
	StateIdle        State = "IDLE"
	StateOpening     State = "OPENING"
	StateRollingBack State = "ROLLING_BACK"
	StateActive      State = "ACTIVE"
	StateClosing     State = "CLOSING"
	StateRecovering  State = "RECOVERING"
	StateClosed      State = "CLOSED"
)

// External maps the transient sub-modes to the state the rest of the world
// should see: a rollback is still part of opening, and a recovering position
// is still hedged.
func (s State) External() State {
	switch s {
	case StateRollingBack:
		return StateOpening
	case StateRecovering:
		return StateActive
	}
	return s
}

type InstrumentKind string

const (
	InstrumentSpot        InstrumentKind = "spot"
	InstrumentPerpetual   InstrumentKind = "perpetual"
	InstrumentDatedFuture InstrumentKind = "dated-future"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

type FillStatus string

const (
	FillPending   FillStatus = "pending"
	FillPartial   FillStatus = "partial"
	FillFilled    FillStatus = "filled"
	FillFailed    FillStatus = "failed"
	FillCancelled FillStatus = "cancelled"
)

// Leg is one side of the hedge on a particular venue/instrument.
type Leg struct {
	Venue        string         `json:"venue"`
	Instrument   InstrumentKind `json:"instrument"`
	Market       string         `json:"market"`
	Side         Side           `json:"side"`
	NotionalUSD  float64        `json:"notional_usd"`
	RequestedQty float64        `json:"requested_qty"`
	FilledQty    float64        `json:"filled_qty"`
	AvgFillPrice float64        `json:"avg_fill_price"`
	OrderRef     string         `json:"order_ref,omitempty"`
	FillStatus   FillStatus     `json:"fill_status"`
	ExitQty      float64        `json:"exit_qty,omitempty"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
}

func (l Leg) Filled() bool {
	return l.FillStatus == FillFilled
}

// HasFill reports whether any base quantity has filled, which is what makes
// an unmatched leg an orphan.
func (l Leg) HasFill() bool {
	return l.FilledQty > 0
}

func (l Leg) RemainingQty() float64 {
	if l.RequestedQty <= l.FilledQty {
		return 0
	}
	return l.RequestedQty - l.FilledQty
}

// Position is the authoritative record of one two-leg hedge.
type Position struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	State              State     `json:"state"`
	Legs               [2]Leg    `json:"legs"`
	NotionalUSD        float64   `json:"notional_usd"`
	DeltaTargetUSD     float64   `json:"delta_target_usd"`
	RebalanceThreshold float64   `json:"rebalance_threshold"`
	EntryNetDailyUSD   float64   `json:"entry_net_daily_usd"`
	CorrectiveCostUSD  float64   `json:"corrective_cost_usd"`
	RealizedPnlUSD     float64   `json:"realized_pnl_usd"`
	CloseReason        string    `json:"close_reason,omitempty"`
	CloseRetries       int       `json:"close_retries,omitempty"`
	Held               bool      `json:"held,omitempty"`
	OpenedAt           time.Time `json:"opened_at"`
	ClosedAt           time.Time `json:"closed_at"`
}

func (p Position) BothLegsFilled() bool {
	return p.Legs[0].Filled() && p.Legs[1].Filled()
}

func (p Position) FilledLegCount() int {
	n := 0
	for _, leg := range p.Legs {
		if leg.Filled() {
			n++
		}
	}
	return n
}

// ExposureUSD is the signed combined delta of both legs at the given
// per-leg prices, in quote currency.
func (p Position) ExposureUSD(prices [2]float64) float64 {
	total := 0.0
	for i, leg := range p.Legs {
		total += leg.Side.Sign() * leg.FilledQty * prices[i]
	}
	return total
}

// DeltaDeviation is the distance of the current exposure from the target,
// as a fraction of position notional.
func (p Position) DeltaDeviation(prices [2]float64) float64 {
	if p.NotionalUSD <= 0 {
		return 0
	}
	return math.Abs(p.ExposureUSD(prices)-p.DeltaTargetUSD) / p.NotionalUSD
}

// RealizedPnl sums per-leg (exit - entry) * qty * side sign and debits the
// corrective costs accumulated over the position's lifetime.
func (p Position) RealizedPnl() float64 {
	total := 0.0
	for _, leg := range p.Legs {
		if leg.ExitQty <= 0 || leg.AvgFillPrice <= 0 {
			continue
		}
		total += leg.Side.Sign() * (leg.ExitPrice - leg.AvgFillPrice) * leg.ExitQty
	}
	return total - p.CorrectiveCostUSD
}

func (p Position) HoldDuration(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	end := now
	if !p.ClosedAt.IsZero() {
		end = p.ClosedAt
	}
	return end.Sub(p.OpenedAt)
}
