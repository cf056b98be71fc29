package strategy

import (
	"time"

	"funding-arb-bot/internal/ledger"
)

// DirectionFunc picks the side of the funding-carrying leg when the config
// leaves leg sides open; the other leg always takes the opposite side.
type DirectionFunc func(now time.Time, fundingRate float64) ledger.Side

// DirectionFor maps the configured direction name to its implementation.
func DirectionFor(name string) DirectionFunc {
	if name == "funding-sign" {
		return FundingSignDirection
	}
	return HourParityDirection
}

// HourParityDirection buys on odd wall-clock hours and sells on even ones.
// A placeholder heuristic kept pluggable on purpose.
func HourParityDirection(now time.Time, _ float64) ledger.Side {
	if now.Hour()%2 == 1 {
		return ledger.SideLong
	}
	return ledger.SideShort
}

// FundingSignDirection shorts the funding leg while funding is positive
// (shorts collect) and goes long when it is negative.
func FundingSignDirection(_ time.Time, fundingRate float64) ledger.Side {
	if fundingRate < 0 {
		return ledger.SideLong
	}
	return ledger.SideShort
}
