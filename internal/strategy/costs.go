package strategy

import (
	"math"

	"funding-arb-bot/internal/ledger"
)

// LegCostInputs carries the per-leg market and fee data a single tick's
// yield estimate needs. Funding fields are zero for legs without funding
// exposure (spot, borrowed inventory).
type LegCostInputs struct {
	NotionalUSD          float64
	Side                 ledger.Side
	Maker                bool
	MakerFeeBps          float64
	TakerFeeBps          float64
	SlippageBps          float64
	BorrowRateDaily      float64
	FundingRate          float64
	FundingIntervalHours float64
}

type CostInputs struct {
	Legs                [2]LegCostInputs
	TransferCostUSD     float64
	ExpectedHoldingDays float64
}

// NetYieldEstimate is the signed daily economics of holding the hedge, in
// quote currency per day. Derived per tick, never persisted by the core.
type NetYieldEstimate struct {
	DailyFundingUSD  float64 `json:"daily_funding_usd"`
	FeeCostUSD       float64 `json:"fee_cost_usd"`
	BorrowCostUSD    float64 `json:"borrow_cost_usd"`
	SlippageCostUSD  float64 `json:"slippage_cost_usd"`
	TransferCostUSD  float64 `json:"transfer_cost_usd"`
	NetDailyUSD      float64 `json:"net_daily_usd"`
	RoundTripCostUSD float64 `json:"round_trip_cost_usd"`
	BreakevenDays    float64 `json:"breakeven_days"`
}

// Evaluate turns raw funding/fee inputs into a daily net-yield estimate.
// Pure: identical inputs produce bit-identical outputs.
func Evaluate(in CostInputs) NetYieldEstimate {
	var est NetYieldEstimate
	for _, leg := range in.Legs {
		est.DailyFundingUSD += legDailyFundingUSD(leg)
		est.FeeCostUSD += leg.NotionalUSD * feeRate(leg)
		est.SlippageCostUSD += leg.NotionalUSD * leg.SlippageBps / 10000
		est.BorrowCostUSD += leg.NotionalUSD * leg.BorrowRateDaily
	}
	est.TransferCostUSD = amortize(in.TransferCostUSD, in.ExpectedHoldingDays)
	est.NetDailyUSD = est.DailyFundingUSD - est.FeeCostUSD - est.BorrowCostUSD - est.SlippageCostUSD - est.TransferCostUSD
	est.RoundTripCostUSD = 2*(est.FeeCostUSD+est.SlippageCostUSD) + in.TransferCostUSD
	est.BreakevenDays = breakevenDays(est.RoundTripCostUSD, est.NetDailyUSD)
	return est
}

// legDailyFundingUSD normalizes the venue funding rate to a daily rate and
// signs it by position side: positive funding is paid by longs to shorts.
func legDailyFundingUSD(leg LegCostInputs) float64 {
	if leg.FundingRate == 0 || leg.FundingIntervalHours <= 0 {
		return 0
	}
	daily := leg.FundingRate * (24 / leg.FundingIntervalHours)
	return -leg.Side.Sign() * daily * leg.NotionalUSD
}

func feeRate(leg LegCostInputs) float64 {
	if leg.Maker {
		return leg.MakerFeeBps / 10000
	}
	return leg.TakerFeeBps / 10000
}

func amortize(cost, holdingDays float64) float64 {
	if cost <= 0 {
		return 0
	}
	if holdingDays <= 0 {
		return cost
	}
	return cost / holdingDays
}

func breakevenDays(roundTrip, netDaily float64) float64 {
	if netDaily <= 0 {
		return math.Inf(1)
	}
	if roundTrip <= 0 {
		return 0
	}
	return roundTrip / netDaily
}
