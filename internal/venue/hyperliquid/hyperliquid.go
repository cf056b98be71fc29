// Package hyperliquid adapts the Hyperliquid exchange to the venue contract:
// mids over websocket with REST fallback, funding from the perp metadata
// feed, and signed limit orders against the exchange endpoint.
package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

const (
	defaultBaseURL        = "https://api.hyperliquid.xyz"
	defaultTimeout        = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultPingInterval   = 30 * time.Second

	// Market orders go out as IOC limits priced this far through the mid.
	aggressFrac = 0.005

	maxSigFigs      = 5
	perpMaxDecimals = 6
	spotMaxDecimals = 8

	// Funding settles hourly on this venue.
	fundingIntervalHours = 1

	placedAtCap = 512
)

type Options struct {
	BaseURL        string
	WSURL          string // empty disables the stream; prices fall back to REST
	Timeout        time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	WalletAddress  string
	PrivateKey     string // empty disables order placement
	VaultAddress   string
	NonceStore     NonceStore
	Log            *zap.Logger
}

type Adapter struct {
	info       *infoClient
	exchange   *exchangeClient
	ws         *wsConn
	nonceStore NonceStore
	log        *zap.Logger
	user       string

	mu       sync.RWMutex
	mids     map[string]float64
	perps    map[string]perpMeta
	spots    map[string]spotMeta
	metaAt   time.Time
	placedAt map[string]time.Time
}

func New(opts Options) (*Adapter, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		info:       newInfoClient(opts.BaseURL, opts.Timeout),
		nonceStore: opts.NonceStore,
		log:        log,
		user:       strings.TrimSpace(opts.WalletAddress),
		mids:       make(map[string]float64),
		perps:      make(map[string]perpMeta),
		spots:      make(map[string]spotMeta),
		placedAt:   make(map[string]time.Time),
	}
	if strings.TrimSpace(opts.PrivateKey) != "" {
		mainnet := !strings.Contains(strings.ToLower(opts.BaseURL), "testnet")
		sig, err := newSigner(opts.PrivateKey, mainnet)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid signer: %w", err)
		}
		exch, err := newExchangeClient(opts.BaseURL, opts.Timeout, sig, opts.VaultAddress, log)
		if err != nil {
			return nil, err
		}
		a.exchange = exch
		if a.user == "" {
			a.user = sig.address().Hex()
		}
	}
	if opts.WSURL != "" {
		a.ws = newWSConn(opts.WSURL, opts.ReconnectDelay, opts.PingInterval, log)
	}
	return a, nil
}

func (a *Adapter) Name() string {
	return "hyperliquid"
}

// Start seeds the nonce floor, primes metadata, and begins streaming mids.
// The stream goroutine exits when ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	if a.exchange != nil && a.nonceStore != nil {
		if err := a.exchange.initNonceStore(ctx, a.nonceStore); err != nil {
			return fmt.Errorf("nonce store: %w", err)
		}
	}
	if err := a.ensureMeta(ctx); err != nil {
		a.log.Warn("initial meta refresh failed", zap.Error(err))
	}
	if a.ws == nil {
		return nil
	}
	if err := a.ws.connect(ctx); err != nil {
		return err
	}
	sub := map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "allMids"}}
	if err := a.ws.subscribe(ctx, sub); err != nil {
		return err
	}
	go func() {
		_ = a.ws.run(ctx, a.handleWS)
	}()
	return nil
}

func (a *Adapter) Close() error {
	if a.ws != nil {
		a.ws.reset()
	}
	return nil
}

// NonceState exposes nonce bookkeeping for the ops status page.
func (a *Adapter) NonceState() (NonceState, bool) {
	if a.exchange == nil {
		return NonceState{}, false
	}
	return a.exchange.nonceState()
}

func (a *Adapter) FundingRate(ctx context.Context, market string) (venue.FundingRate, error) {
	if err := a.ensureMeta(ctx); err != nil {
		return venue.FundingRate{}, err
	}
	a.mu.RLock()
	meta, ok := a.perps[market]
	a.mu.RUnlock()
	if !ok {
		return venue.FundingRate{}, fmt.Errorf("%w: %q carries no funding", venue.ErrUnsupportedInstrument, market)
	}
	return venue.FundingRate{Rate: meta.funding, IntervalHours: fundingIntervalHours}, nil
}

func (a *Adapter) FundingHistory(ctx context.Context, market string, since time.Time) ([]venue.FundingPayment, error) {
	payload, err := a.info.post(ctx, map[string]any{
		"type":      "fundingHistory",
		"coin":      market,
		"startTime": since.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	entries, ok := toSlice(payload)
	if !ok {
		return nil, fmt.Errorf("unexpected fundingHistory reply for %q", market)
	}
	out := make([]venue.FundingPayment, 0, len(entries))
	for _, item := range entries {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		rate, okRate := floatFromMap(entry, "fundingRate", "rate")
		ts, okTime := timeFromAny(entry["time"])
		if !okRate || !okTime {
			continue
		}
		out = append(out, venue.FundingPayment{Time: ts, Rate: rate})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if a.exchange == nil {
		return "", errors.New("order placement requires a signing key")
	}
	if err := a.ensureMeta(ctx); err != nil {
		return "", err
	}
	asset, err := a.assetFor(req.Market, req.Instrument)
	if err != nil {
		return "", err
	}
	prec := venue.Precision{
		SizeDecimals:  asset.szDecimals,
		PriceDecimals: asset.maxDecimals - asset.szDecimals,
		MaxSigFigs:    maxSigFigs,
	}
	size := venue.RoundSize(req.Qty, prec)
	if size <= 0 {
		return "", fmt.Errorf("qty %v rounds to zero for %q", req.Qty, req.Market)
	}
	price := req.Price
	orderTif := tifGtc
	if req.Type == venue.OrderTypeMarket {
		mid, err := a.Price(ctx, req.Market)
		if err != nil {
			return "", err
		}
		if req.Side == ledger.SideLong {
			price = mid * (1 + aggressFrac)
		} else {
			price = mid * (1 - aggressFrac)
		}
		orderTif = tifIoc
	}
	if price <= 0 {
		return "", errors.New("limit order requires a positive price")
	}
	price = venue.NormalizePrice(price, prec)
	wire, err := limitOrderWire(asset.id, req.Side == ledger.SideLong, size, price, req.ReduceOnly, orderTif, wireCloid(req.ClientOrderID))
	if err != nil {
		return "", err
	}
	resp, err := a.exchange.placeOrder(ctx, wire)
	if err != nil {
		return "", err
	}
	ref, err := placedOrderRef(resp)
	if err != nil {
		return "", err
	}
	a.rememberPlacement(ref)
	a.log.Info("order placed",
		zap.String("market", req.Market),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", size),
		zap.Float64("price", price),
		zap.String("order_ref", ref))
	return ref, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, market, orderRef string) error {
	if a.exchange == nil {
		return errors.New("order cancel requires a signing key")
	}
	if err := a.ensureMeta(ctx); err != nil {
		return err
	}
	asset, err := a.assetFor(market, ledger.InstrumentPerpetual)
	if err != nil {
		asset, err = a.assetFor(market, ledger.InstrumentSpot)
		if err != nil {
			return fmt.Errorf("unknown market %q", market)
		}
	}
	oid, err := strconv.ParseInt(orderRef, 10, 64)
	if err != nil {
		return fmt.Errorf("order ref %q is not a venue order id", orderRef)
	}
	resp, err := a.exchange.cancelOrder(ctx, asset.id, oid)
	if err != nil {
		return err
	}
	return cancelOutcome(resp)
}

func (a *Adapter) Position(ctx context.Context, market string) (venue.PositionInfo, error) {
	if a.user == "" {
		return venue.PositionInfo{}, errors.New("wallet address required for positions")
	}
	if err := a.ensureMeta(ctx); err != nil {
		return venue.PositionInfo{}, err
	}
	a.mu.RLock()
	_, isPerp := a.perps[market]
	sm, isSpot := a.spots[market]
	a.mu.RUnlock()
	switch {
	case isPerp:
		return a.perpPosition(ctx, market)
	case isSpot:
		return a.spotPosition(ctx, sm)
	default:
		return venue.PositionInfo{}, fmt.Errorf("unknown market %q", market)
	}
}

// perpPosition reads clearinghouseState. The margin ratio is account equity
// over total position notional, shared across all perp markets in the cross
// account.
func (a *Adapter) perpPosition(ctx context.Context, market string) (venue.PositionInfo, error) {
	payload, err := a.info.post(ctx, map[string]any{"type": "clearinghouseState", "user": a.user})
	if err != nil {
		return venue.PositionInfo{}, err
	}
	state, ok := toMap(payload)
	if !ok {
		return venue.PositionInfo{}, errors.New("unexpected clearinghouseState reply")
	}
	info := venue.PositionInfo{}
	if summary, ok := toMap(state["marginSummary"]); ok {
		equity, _ := floatFromMap(summary, "accountValue")
		notional, _ := floatFromMap(summary, "totalNtlPos")
		if notional > 0 {
			info.MarginRatio = equity / notional
			info.HasMarginRatio = true
		}
	}
	positions, _ := toSlice(state["assetPositions"])
	for _, item := range positions {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := toMap(entry["position"]); ok {
			pos = nested
		}
		if stringFromMap(pos, "coin", "symbol") != market {
			continue
		}
		info.Qty, _ = floatFromMap(pos, "szi", "size")
		info.EntryPrice, _ = floatFromMap(pos, "entryPx", "entryPrice")
		break
	}
	return info, nil
}

// spotPosition reports the base-token balance. Spot carries no margin
// sample.
func (a *Adapter) spotPosition(ctx context.Context, sm spotMeta) (venue.PositionInfo, error) {
	payload, err := a.info.post(ctx, map[string]any{"type": "spotClearinghouseState", "user": a.user})
	if err != nil {
		return venue.PositionInfo{}, err
	}
	state, ok := toMap(payload)
	if !ok {
		return venue.PositionInfo{}, errors.New("unexpected spotClearinghouseState reply")
	}
	balances, _ := toSlice(state["balances"])
	for _, item := range balances {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		if stringFromMap(entry, "coin", "token") != sm.base {
			continue
		}
		total, _ := floatFromMap(entry, "total", "balance")
		return venue.PositionInfo{Qty: total}, nil
	}
	return venue.PositionInfo{}, nil
}

func (a *Adapter) rememberPlacement(ref string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placedAt[ref] = time.Now().UTC()
	if len(a.placedAt) > placedAtCap {
		cutoff := time.Now().Add(-2 * fillLookback)
		for k, v := range a.placedAt {
			if v.Before(cutoff) {
				delete(a.placedAt, k)
			}
		}
	}
}

// wireCloid renders a client order id as the 128-bit hex string the venue
// requires. UUIDs map directly once dashes are stripped; anything else is
// hashed down to size so retries stay deterministic.
func wireCloid(id string) string {
	if id == "" {
		return ""
	}
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(id, "0x"), "-", ""))
	if len(clean) == 32 && isHexString(clean) {
		return "0x" + clean
	}
	return hexutil.Encode(crypto.Keccak256([]byte(id))[:16])
}

func isHexString(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
