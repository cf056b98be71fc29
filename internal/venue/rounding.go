package venue

import (
	"math"
	"strconv"
)

// Precision carries the per-market order constraints an adapter reports.
type Precision struct {
	SizeDecimals   int
	PriceDecimals  int
	MaxSigFigs     int
	MinNotionalUSD float64
}

// RoundSize truncates a base quantity to the market's size precision.
// Truncation, not rounding: an oversized order gets rejected, a hair-small
// one just fills slightly under target.
func RoundSize(qty float64, p Precision) float64 {
	return roundDown(qty, p.SizeDecimals)
}

// NormalizePrice clamps a price to the market's significant-figure and
// decimal limits.
func NormalizePrice(price float64, p Precision) float64 {
	if price == 0 {
		return 0
	}
	if p.MaxSigFigs > 0 {
		if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', p.MaxSigFigs, 64), 64); err == nil {
			price = sig
		}
	}
	return roundTo(price, p.PriceDecimals)
}

// AdjustQty sizes an order at the given price: rounds down to precision,
// then bumps back up to the venue's minimum notional when the truncation
// left it short.
func AdjustQty(qty, price float64, p Precision) float64 {
	adjusted := RoundSize(qty, p)
	if p.MinNotionalUSD <= 0 || price <= 0 {
		return adjusted
	}
	if adjusted*price >= p.MinNotionalUSD {
		return adjusted
	}
	factor := 1.0
	if p.SizeDecimals > 0 {
		factor = math.Pow10(p.SizeDecimals)
	}
	return math.Ceil(p.MinNotionalUSD/price*factor) / factor
}

func roundDown(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}
