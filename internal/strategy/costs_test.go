package strategy

import (
	"math"
	"testing"

	"funding-arb-bot/internal/ledger"
)

func TestEvaluateFundingBelowCosts(t *testing.T) {
	// 0.01% per 8h funding against 5 bps fee + 5 bps slippage on each leg,
	// 50k notional: the carry cannot pay for the entry.
	in := CostInputs{
		Legs: [2]LegCostInputs{
			{NotionalUSD: 50000, Side: ledger.SideShort, TakerFeeBps: 5, SlippageBps: 5, FundingRate: 0.0001, FundingIntervalHours: 8},
			{NotionalUSD: 50000, Side: ledger.SideLong, TakerFeeBps: 5, SlippageBps: 5},
		},
	}
	est := Evaluate(in)
	if math.Abs(est.DailyFundingUSD-15) > 1e-9 {
		t.Fatalf("expected daily funding 15, got %f", est.DailyFundingUSD)
	}
	want := 0.0003*50000 - (0.0005*2+0.0005*2)*50000
	if math.Abs(est.NetDailyUSD-want) > 1e-9 {
		t.Fatalf("expected net %f, got %f", want, est.NetDailyUSD)
	}
	if est.NetDailyUSD >= 0 {
		t.Fatalf("expected negative net yield, got %f", est.NetDailyUSD)
	}
	if !math.IsInf(est.BreakevenDays, 1) {
		t.Fatalf("expected infinite breakeven for negative net, got %f", est.BreakevenDays)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	in := CostInputs{
		Legs: [2]LegCostInputs{
			{NotionalUSD: 25000, Side: ledger.SideShort, Maker: true, MakerFeeBps: 1, TakerFeeBps: 4, SlippageBps: 2, FundingRate: 0.0004, FundingIntervalHours: 8},
			{NotionalUSD: 25000, Side: ledger.SideLong, TakerFeeBps: 3, SlippageBps: 2, BorrowRateDaily: 0.0001},
		},
		TransferCostUSD:     8,
		ExpectedHoldingDays: 4,
	}
	first := Evaluate(in)
	second := Evaluate(in)
	if first != second {
		t.Fatalf("expected identical estimates, got %#v vs %#v", first, second)
	}
}

func TestEvaluateFundingSignNetsAcrossLegs(t *testing.T) {
	// Short collects positive funding, long pays it: a perp-perp hedge with
	// equal rates on both venues nets to zero.
	in := CostInputs{
		Legs: [2]LegCostInputs{
			{NotionalUSD: 10000, Side: ledger.SideShort, FundingRate: 0.0002, FundingIntervalHours: 8},
			{NotionalUSD: 10000, Side: ledger.SideLong, FundingRate: 0.0002, FundingIntervalHours: 8},
		},
	}
	est := Evaluate(in)
	if est.DailyFundingUSD != 0 {
		t.Fatalf("expected flat funding, got %f", est.DailyFundingUSD)
	}

	in.Legs[1].FundingRate = -0.0001
	est = Evaluate(in)
	// Short leg collects 6/day, long leg collects 3/day on negative funding.
	if math.Abs(est.DailyFundingUSD-9) > 1e-9 {
		t.Fatalf("expected combined funding 9, got %f", est.DailyFundingUSD)
	}
}

func TestEvaluateAmortizesTransferCost(t *testing.T) {
	in := CostInputs{
		Legs: [2]LegCostInputs{
			{NotionalUSD: 50000, Side: ledger.SideShort, TakerFeeBps: 1, FundingRate: 0.0005, FundingIntervalHours: 8},
			{NotionalUSD: 50000, Side: ledger.SideLong, TakerFeeBps: 1},
		},
		TransferCostUSD:     10,
		ExpectedHoldingDays: 5,
	}
	est := Evaluate(in)
	if math.Abs(est.TransferCostUSD-2) > 1e-9 {
		t.Fatalf("expected amortized transfer 2, got %f", est.TransferCostUSD)
	}
	// funding 75, fees 10, transfer amortized 2.
	if math.Abs(est.NetDailyUSD-63) > 1e-9 {
		t.Fatalf("expected net 63, got %f", est.NetDailyUSD)
	}
	// Round trip keeps the full transfer: 2*10 + 10.
	if math.Abs(est.RoundTripCostUSD-30) > 1e-9 {
		t.Fatalf("expected round trip 30, got %f", est.RoundTripCostUSD)
	}
	if math.Abs(est.BreakevenDays-30.0/63.0) > 1e-9 {
		t.Fatalf("expected breakeven %f, got %f", 30.0/63.0, est.BreakevenDays)
	}
}

func TestEvaluateMakerFeePath(t *testing.T) {
	in := CostInputs{
		Legs: [2]LegCostInputs{
			{NotionalUSD: 10000, Side: ledger.SideShort, Maker: true, MakerFeeBps: 1, TakerFeeBps: 5},
			{NotionalUSD: 10000, Side: ledger.SideLong, TakerFeeBps: 5},
		},
	}
	est := Evaluate(in)
	// 1 bp maker on one leg, 5 bps taker on the other.
	if math.Abs(est.FeeCostUSD-6) > 1e-9 {
		t.Fatalf("expected fee cost 6, got %f", est.FeeCostUSD)
	}
}
