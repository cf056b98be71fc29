// Package binance adapts USD-M futures venues that speak the Binance wire
// format: HMAC-signed REST for orders and positions, premiumIndex for
// funding, bookTicker mids for prices. Several venues serve this exact API
// under their own base URLs, so the adapter takes the URL from config.
package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

const (
	defaultBaseURL    = "https://fapi.binance.com"
	defaultTimeout    = 10 * time.Second
	defaultRecvWindow = 5 * time.Second

	// Funding settles every 8 hours unless fundingInfo overrides a symbol.
	defaultFundingIntervalHours = 8
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RecvWindow time.Duration
	APIKey     string // empty disables signed endpoints
	APISecret  string
	Log        *zap.Logger
}

type Adapter struct {
	rest *restClient
	log  *zap.Logger

	mu           sync.RWMutex
	filters      map[string]symbolFilters
	fundingHours map[string]float64
	filtersAt    time.Time
}

func New(opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = defaultRecvWindow
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		rest:         newRestClient(opts.BaseURL, opts.Timeout, opts.RecvWindow, opts.APIKey, opts.APISecret),
		log:          log,
		filters:      make(map[string]symbolFilters),
		fundingHours: make(map[string]float64),
	}
}

func (a *Adapter) Name() string {
	return "binance"
}

// Start primes symbol filters and funding-interval overrides. The adapter
// works without it; filters load lazily on the first order.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.ensureFilters(ctx); err != nil {
		a.log.Warn("initial exchangeInfo load failed", zap.Error(err))
	}
	a.loadFundingIntervals(ctx)
	return nil
}

type bookTicker struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func (a *Adapter) Price(ctx context.Context, market string) (float64, error) {
	var book bookTicker
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", url.Values{"symbol": {market}}, false, &book); err != nil {
		return 0, err
	}
	bid, err1 := strconv.ParseFloat(book.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(book.AskPrice, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("no book for %q", market)
	}
	return (bid + ask) / 2, nil
}

type premiumIndex struct {
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (a *Adapter) FundingRate(ctx context.Context, market string) (venue.FundingRate, error) {
	if isDelivery(market) {
		return venue.FundingRate{}, fmt.Errorf("%w: dated contract %q pays no funding", venue.ErrUnsupportedFundingQuery, market)
	}
	var idx premiumIndex
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", url.Values{"symbol": {market}}, false, &idx); err != nil {
		return venue.FundingRate{}, err
	}
	rate, err := strconv.ParseFloat(idx.LastFundingRate, 64)
	if err != nil {
		return venue.FundingRate{}, fmt.Errorf("funding rate %q: %w", idx.LastFundingRate, err)
	}
	return venue.FundingRate{Rate: rate, IntervalHours: a.fundingInterval(market)}, nil
}

func (a *Adapter) fundingInterval(market string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.fundingHours[market]; ok && h > 0 {
		return h
	}
	return defaultFundingIntervalHours
}

// isDelivery reports whether a symbol names a dated contract, "BTCUSDT_251226"
// style.
func isDelivery(symbol string) bool {
	return strings.Contains(symbol, "_")
}

type fundingEntry struct {
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

func (a *Adapter) FundingHistory(ctx context.Context, market string, since time.Time) ([]venue.FundingPayment, error) {
	params := url.Values{
		"symbol":    {market},
		"startTime": {strconv.FormatInt(since.UnixMilli(), 10)},
		"limit":     {"1000"},
	}
	var entries []fundingEntry
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/fundingRate", params, false, &entries); err != nil {
		return nil, err
	}
	out := make([]venue.FundingPayment, 0, len(entries))
	for _, e := range entries {
		rate, err := strconv.ParseFloat(e.FundingRate, 64)
		if err != nil || e.FundingTime <= 0 {
			continue
		}
		out = append(out, venue.FundingPayment{Time: time.UnixMilli(e.FundingTime).UTC(), Rate: rate})
	}
	return out, nil
}

type orderReply struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if req.Instrument == ledger.InstrumentSpot {
		return "", fmt.Errorf("%w: spot is not served here", venue.ErrUnsupportedInstrument)
	}
	prec, err := a.precisionFor(ctx, req.Market)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("symbol", req.Market)
	params.Set("side", orderSide(req.Side))
	var size float64
	if req.Type == venue.OrderTypeMarket {
		params.Set("type", "MARKET")
		size = venue.RoundSize(req.Qty, prec)
	} else {
		if req.Price <= 0 {
			return "", errors.New("limit order requires a positive price")
		}
		price := venue.NormalizePrice(req.Price, prec)
		size = venue.AdjustQty(req.Qty, price, prec)
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}
	if size <= 0 {
		return "", fmt.Errorf("qty %v rounds to zero for %q", req.Qty, req.Market)
	}
	params.Set("quantity", strconv.FormatFloat(size, 'f', -1, 64))
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	var reply orderReply
	if err := a.rest.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &reply); err != nil {
		return "", err
	}
	ref := reply.ClientOrderID
	if ref == "" {
		ref = strconv.FormatInt(reply.OrderID, 10)
	}
	a.log.Info("order placed",
		zap.String("market", req.Market),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", size),
		zap.String("order_ref", ref))
	return ref, nil
}

func orderSide(side ledger.Side) string {
	if side == ledger.SideLong {
		return "BUY"
	}
	return "SELL"
}

type orderQueryReply struct {
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	Price       string `json:"price"`
}

func (a *Adapter) OrderStatus(ctx context.Context, market, orderRef string) (venue.OrderState, error) {
	var reply orderQueryReply
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v1/order", refParams(market, orderRef), true, &reply); err != nil {
		if orderGone(err) {
			return venue.OrderState{}, venue.ErrOrderNotFound
		}
		return venue.OrderState{}, err
	}
	state := venue.OrderState{Status: fillStatus(reply.Status)}
	state.FilledQty, _ = strconv.ParseFloat(reply.ExecutedQty, 64)
	if avg, err := strconv.ParseFloat(reply.AvgPrice, 64); err == nil && avg > 0 {
		state.AvgPrice = avg
	} else if px, err := strconv.ParseFloat(reply.Price, 64); err == nil {
		state.AvgPrice = px
	}
	return state, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, market, orderRef string) error {
	err := a.rest.do(ctx, http.MethodDelete, "/fapi/v1/order", refParams(market, orderRef), true, nil)
	if orderGone(err) {
		return venue.ErrOrderNotFound
	}
	return err
}

// refParams queries by exchange order id when the ref is numeric, client
// order id otherwise.
func refParams(market, orderRef string) url.Values {
	params := url.Values{}
	params.Set("symbol", market)
	if _, err := strconv.ParseInt(orderRef, 10, 64); err == nil {
		params.Set("orderId", orderRef)
	} else {
		params.Set("origClientOrderId", orderRef)
	}
	return params
}

func fillStatus(status string) ledger.FillStatus {
	switch status {
	case "FILLED":
		return ledger.FillFilled
	case "PARTIALLY_FILLED":
		return ledger.FillPartial
	case "CANCELED", "EXPIRED":
		return ledger.FillCancelled
	case "REJECTED":
		return ledger.FillFailed
	default:
		return ledger.FillPending
	}
}

type positionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

func (a *Adapter) Position(ctx context.Context, market string) (venue.PositionInfo, error) {
	var entries []positionRisk
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{"symbol": {market}}, true, &entries); err != nil {
		return venue.PositionInfo{}, err
	}
	info := venue.PositionInfo{}
	for _, entry := range entries {
		if entry.Symbol != market {
			continue
		}
		qty, _ := strconv.ParseFloat(entry.PositionAmt, 64)
		entryPx, _ := strconv.ParseFloat(entry.EntryPrice, 64)
		info.Qty = qty
		info.EntryPrice = entryPx
		// Hedge-mode accounts report one row per position side; keep the
		// first open one.
		if qty != 0 {
			break
		}
	}
	a.attachMarginRatio(ctx, &info)
	return info, nil
}

type accountSummary struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	Positions          []struct {
		Notional string `json:"notional"`
	} `json:"positions"`
}

// attachMarginRatio samples account equity over gross position notional,
// shared across the cross account. Best effort: a failed account read leaves
// the sample absent.
func (a *Adapter) attachMarginRatio(ctx context.Context, info *venue.PositionInfo) {
	var acct accountSummary
	if err := a.rest.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &acct); err != nil {
		a.log.Debug("account summary failed", zap.Error(err))
		return
	}
	equity, err := strconv.ParseFloat(acct.TotalMarginBalance, 64)
	if err != nil {
		return
	}
	var notional float64
	for _, pos := range acct.Positions {
		if n, err := strconv.ParseFloat(pos.Notional, 64); err == nil {
			notional += math.Abs(n)
		}
	}
	if notional > 0 {
		info.MarginRatio = equity / notional
		info.HasMarginRatio = true
	}
}
