package strategy

import (
	"time"

	"funding-arb-bot/internal/config"
)

// Exit reasons carried into transition triggers and events.
const (
	ExitNegativeYield = "net_yield_negative"
	ExitYieldDecline  = "yield_decline"
	ExitFundingFlip   = "funding_flip"
)

// Evaluator accumulates per-tick estimates for one symbol and turns them
// into open/exit advice. Risk-forced exits bypass it entirely.
type Evaluator struct {
	cfg config.SignalConfig

	openStreak int

	entryNetDailyUSD float64
	entryFundingSign int
	flipSince        time.Time
	tracking         bool
}

func NewEvaluator(cfg config.SignalConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// ShouldOpen records one evaluation cycle and reports whether the estimate
// has cleared the entry floor for the configured number of consecutive
// cycles. A single qualifying tick never opens a position.
func (e *Evaluator) ShouldOpen(est NetYieldEstimate) bool {
	if est.NetDailyUSD >= e.cfg.DailyFundingMinUSD {
		e.openStreak++
	} else {
		e.openStreak = 0
	}
	return e.openStreak >= e.cfg.OpenConfirmations
}

// MarkOpened pins the entry-time baseline the exit rules compare against
// and resets flip tracking.
func (e *Evaluator) MarkOpened(est NetYieldEstimate) {
	e.entryNetDailyUSD = est.NetDailyUSD
	e.entryFundingSign = sign(est.DailyFundingUSD)
	e.flipSince = time.Time{}
	e.tracking = true
	e.openStreak = 0
}

// Restore rebuilds the entry baseline after a restart from a persisted
// position record.
func (e *Evaluator) Restore(entryNetDailyUSD float64, fundingSign int) {
	e.entryNetDailyUSD = entryNetDailyUSD
	e.entryFundingSign = fundingSign
	e.flipSince = time.Time{}
	e.tracking = true
}

// ShouldExit evaluates the exit rules for one tick at the given clock. The
// funding-flip rule is boundary inclusive: it fires exactly when the flip
// has persisted for the configured tolerance, not before.
func (e *Evaluator) ShouldExit(est NetYieldEstimate, now time.Time) (bool, string) {
	if !e.tracking {
		return false, ""
	}
	if est.NetDailyUSD < 0 {
		return true, ExitNegativeYield
	}
	if e.entryNetDailyUSD > 0 && est.NetDailyUSD < e.cfg.DeclineFraction*e.entryNetDailyUSD {
		return true, ExitYieldDecline
	}
	current := sign(est.DailyFundingUSD)
	if current != 0 && e.entryFundingSign != 0 && current != e.entryFundingSign {
		if e.flipSince.IsZero() {
			e.flipSince = now
		}
		if now.Sub(e.flipSince) >= e.cfg.FlipTolerance {
			return true, ExitFundingFlip
		}
	} else {
		e.flipSince = time.Time{}
	}
	return false, ""
}

// MarkClosed clears the entry baseline once the position is gone.
func (e *Evaluator) MarkClosed() {
	e.entryNetDailyUSD = 0
	e.entryFundingSign = 0
	e.flipSince = time.Time{}
	e.tracking = false
	e.openStreak = 0
}

func (e *Evaluator) OpenStreak() int {
	return e.openStreak
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
