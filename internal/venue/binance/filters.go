package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/venue"
)

const filtersRefreshWindow = 10 * time.Minute

// symbolFilters is the order-building view of one exchangeInfo symbol.
type symbolFilters struct {
	sizeDecimals  int
	priceDecimals int
	minNotional   float64
	contractType  string
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol            string           `json:"symbol"`
		ContractType      string           `json:"contractType"`
		PricePrecision    int              `json:"pricePrecision"`
		QuantityPrecision int              `json:"quantityPrecision"`
		Filters           []map[string]any `json:"filters"`
	} `json:"symbols"`
}

func (a *Adapter) ensureFilters(ctx context.Context) error {
	a.mu.RLock()
	fresh := !a.filtersAt.IsZero() && time.Since(a.filtersAt) < filtersRefreshWindow
	a.mu.RUnlock()
	if fresh {
		return nil
	}
	return a.refreshFilters(ctx)
}

func (a *Adapter) refreshFilters(ctx context.Context) error {
	var info exchangeInfo
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return errors.New("exchangeInfo carries no symbols")
	}
	filters := make(map[string]symbolFilters, len(info.Symbols))
	for _, sym := range info.Symbols {
		sf := symbolFilters{
			sizeDecimals:  sym.QuantityPrecision,
			priceDecimals: sym.PricePrecision,
			contractType:  sym.ContractType,
		}
		for _, f := range sym.Filters {
			if ft, _ := f["filterType"].(string); ft == "MIN_NOTIONAL" {
				if v, ok := f["notional"].(string); ok {
					sf.minNotional, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		filters[sym.Symbol] = sf
	}
	a.mu.Lock()
	a.filters = filters
	a.filtersAt = time.Now().UTC()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) precisionFor(ctx context.Context, market string) (venue.Precision, error) {
	if err := a.ensureFilters(ctx); err != nil {
		return venue.Precision{}, err
	}
	a.mu.RLock()
	sf, ok := a.filters[market]
	a.mu.RUnlock()
	if !ok {
		return venue.Precision{}, fmt.Errorf("unknown market %q", market)
	}
	return venue.Precision{
		SizeDecimals:   sf.sizeDecimals,
		PriceDecimals:  sf.priceDecimals,
		MinNotionalUSD: sf.minNotional,
	}, nil
}

// loadFundingIntervals records per-symbol cadence overrides. Most symbols
// settle on the default interval and never appear in this listing.
func (a *Adapter) loadFundingIntervals(ctx context.Context) {
	var entries []struct {
		Symbol               string  `json:"symbol"`
		FundingIntervalHours float64 `json:"fundingIntervalHours"`
	}
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/fundingInfo", nil, false, &entries); err != nil {
		a.log.Debug("funding intervals unavailable", zap.Error(err))
		return
	}
	a.mu.Lock()
	for _, e := range entries {
		if e.Symbol != "" && e.FundingIntervalHours > 0 {
			a.fundingHours[e.Symbol] = e.FundingIntervalHours
		}
	}
	a.mu.Unlock()
}
