package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

const historyLookback = 48 * time.Hour

// FetchFundingRate resolves the current funding rate for a market, falling
// back to history derivation when the adapter has no direct endpoint.
func FetchFundingRate(ctx context.Context, a Adapter, market string) (FundingRate, error) {
	rate, err := a.FundingRate(ctx, market)
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, ErrUnsupportedFundingQuery) {
		return FundingRate{}, err
	}
	historian, ok := a.(FundingHistorian)
	if !ok {
		return FundingRate{}, err
	}
	history, histErr := historian.FundingHistory(ctx, market, time.Now().Add(-historyLookback))
	if histErr != nil {
		return FundingRate{}, fmt.Errorf("funding history fallback: %w", histErr)
	}
	return DeriveFundingRate(history)
}

// DeriveFundingRate reconstructs {rate, intervalHours} from settlement
// history: the latest payment carries the rate, the spacing between the two
// most recent settlements gives the interval.
func DeriveFundingRate(history []FundingPayment) (FundingRate, error) {
	if len(history) < 2 {
		return FundingRate{}, errors.New("funding history too short to derive interval")
	}
	sorted := make([]FundingPayment, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	last := sorted[len(sorted)-1]
	prev := sorted[len(sorted)-2]
	gap := last.Time.Sub(prev.Time)
	if gap <= 0 {
		return FundingRate{}, errors.New("funding history timestamps not increasing")
	}
	hours := math.Round(gap.Hours())
	if hours < 1 {
		hours = gap.Hours()
	}
	return FundingRate{Rate: last.Rate, IntervalHours: hours}, nil
}
