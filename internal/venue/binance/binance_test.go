package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

const (
	testAPIKey    = "test-key"
	testAPISecret = "test-secret"
)

func TestSignedRequestShape(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/exchangeInfo", 200, exchangeInfoPayload())
	fs.set("POST /fapi/v1/order", 200, map[string]any{"orderId": 9001, "clientOrderId": "hedge-1", "status": "NEW"})
	a := newTestAdapter(fs)

	_, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:        "BTCUSDT",
		Instrument:    ledger.InstrumentPerpetual,
		Side:          ledger.SideShort,
		Qty:           0.5,
		Type:          venue.OrderTypeLimit,
		Price:         50000,
		ClientOrderID: "hedge-1",
	})
	if err != nil {
		t.Fatalf("place order error: %v", err)
	}
	req := fs.last(t, "POST /fapi/v1/order")
	if req.apiKey != testAPIKey {
		t.Fatalf("expected api key header, got %q", req.apiKey)
	}
	idx := strings.LastIndex(req.raw, "&signature=")
	if idx < 0 {
		t.Fatalf("payload missing signature: %s", req.raw)
	}
	prefix, sig := req.raw[:idx], req.raw[idx+len("&signature="):]
	if sig != signQuery(testAPISecret, prefix) {
		t.Fatalf("signature does not cover payload %q", prefix)
	}
	if req.form.Get("timestamp") == "" {
		t.Fatalf("expected timestamp param")
	}
	if req.form.Get("recvWindow") != "5000" {
		t.Fatalf("expected recvWindow 5000, got %q", req.form.Get("recvWindow"))
	}
}

func TestPlaceOrderBuildsLimitParams(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/exchangeInfo", 200, exchangeInfoPayload())
	fs.set("POST /fapi/v1/order", 200, map[string]any{"orderId": 9001, "clientOrderId": "hedge-1", "status": "NEW"})
	a := newTestAdapter(fs)

	ref, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:        "BTCUSDT",
		Instrument:    ledger.InstrumentPerpetual,
		Side:          ledger.SideShort,
		Qty:           0.5,
		Type:          venue.OrderTypeLimit,
		Price:         50000.04,
		ClientOrderID: "hedge-1",
	})
	if err != nil {
		t.Fatalf("place order error: %v", err)
	}
	if ref != "hedge-1" {
		t.Fatalf("expected client order id as ref, got %s", ref)
	}
	form := fs.last(t, "POST /fapi/v1/order").form
	if form.Get("side") != "SELL" || form.Get("type") != "LIMIT" || form.Get("timeInForce") != "GTC" {
		t.Fatalf("unexpected order params: %v", form)
	}
	if form.Get("price") != "50000" {
		t.Fatalf("expected price 50000, got %q", form.Get("price"))
	}
	if form.Get("quantity") != "0.5" {
		t.Fatalf("expected quantity 0.5, got %q", form.Get("quantity"))
	}
	if form.Get("newClientOrderId") != "hedge-1" {
		t.Fatalf("expected client order id param, got %q", form.Get("newClientOrderId"))
	}
	if form.Has("reduceOnly") {
		t.Fatalf("unexpected reduceOnly param")
	}
}

func TestPlaceOrderBumpsToMinNotional(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/exchangeInfo", 200, exchangeInfoPayload())
	fs.set("POST /fapi/v1/order", 200, map[string]any{"orderId": 9002, "clientOrderId": "hedge-2", "status": "NEW"})
	a := newTestAdapter(fs)

	_, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:        "BTCUSDT",
		Instrument:    ledger.InstrumentPerpetual,
		Side:          ledger.SideLong,
		Qty:           0.001,
		Type:          venue.OrderTypeLimit,
		Price:         50000,
		ClientOrderID: "hedge-2",
	})
	if err != nil {
		t.Fatalf("place order error: %v", err)
	}
	form := fs.last(t, "POST /fapi/v1/order").form
	// 0.001 * 50000 = 50 USD sits under the 100 USD floor.
	if form.Get("quantity") != "0.002" {
		t.Fatalf("expected quantity bumped to 0.002, got %q", form.Get("quantity"))
	}
}

func TestPlaceOrderRejectsSpot(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	a := newTestAdapter(fs)

	_, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:     "BTCUSDT",
		Instrument: ledger.InstrumentSpot,
		Side:       ledger.SideLong,
		Qty:        1,
		Type:       venue.OrderTypeLimit,
		Price:      50000,
	})
	if !errors.Is(err, venue.ErrUnsupportedInstrument) {
		t.Fatalf("expected ErrUnsupportedInstrument, got %v", err)
	}
}

func TestMarketOrderOmitsPrice(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/exchangeInfo", 200, exchangeInfoPayload())
	fs.set("POST /fapi/v1/order", 200, map[string]any{"orderId": 9003, "clientOrderId": "hedge-3", "status": "NEW"})
	a := newTestAdapter(fs)

	_, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:     "BTCUSDT",
		Instrument: ledger.InstrumentPerpetual,
		Side:       ledger.SideLong,
		Qty:        0.25,
		Type:       venue.OrderTypeMarket,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("place order error: %v", err)
	}
	form := fs.last(t, "POST /fapi/v1/order").form
	if form.Get("type") != "MARKET" {
		t.Fatalf("expected MARKET, got %q", form.Get("type"))
	}
	if form.Has("price") || form.Has("timeInForce") {
		t.Fatalf("market order carries limit params: %v", form)
	}
	if form.Get("reduceOnly") != "true" {
		t.Fatalf("expected reduceOnly true, got %q", form.Get("reduceOnly"))
	}
}

func TestOrderStatusMapping(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	a := newTestAdapter(fs)
	ctx := context.Background()

	fs.set("GET /fapi/v1/order", 200, map[string]any{"status": "NEW", "executedQty": "0", "avgPrice": "0", "price": "50000"})
	state, err := a.OrderStatus(ctx, "BTCUSDT", "hedge-1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillPending || state.FilledQty != 0 {
		t.Fatalf("expected pending, got %+v", state)
	}
	if state.AvgPrice != 50000 {
		t.Fatalf("expected limit price fallback, got %v", state.AvgPrice)
	}
	if got := fs.last(t, "GET /fapi/v1/order").query.Get("origClientOrderId"); got != "hedge-1" {
		t.Fatalf("expected origClientOrderId lookup, got %q", got)
	}

	fs.set("GET /fapi/v1/order", 200, map[string]any{"status": "PARTIALLY_FILLED", "executedQty": "0.25", "avgPrice": "50001.0", "price": "50000"})
	state, err = a.OrderStatus(ctx, "BTCUSDT", "hedge-1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillPartial || state.FilledQty != 0.25 || state.AvgPrice != 50001 {
		t.Fatalf("expected partial 0.25@50001, got %+v", state)
	}

	fs.set("GET /fapi/v1/order", 200, map[string]any{"status": "FILLED", "executedQty": "0.5", "avgPrice": "50000.8", "price": "50000"})
	state, err = a.OrderStatus(ctx, "BTCUSDT", "9001")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillFilled || state.FilledQty != 0.5 {
		t.Fatalf("expected filled 0.5, got %+v", state)
	}
	if got := fs.last(t, "GET /fapi/v1/order").query.Get("orderId"); got != "9001" {
		t.Fatalf("expected numeric ref as orderId, got %q", got)
	}

	fs.set("GET /fapi/v1/order", 200, map[string]any{"status": "CANCELED", "executedQty": "0.25", "avgPrice": "50001.0", "price": "50000"})
	state, err = a.OrderStatus(ctx, "BTCUSDT", "hedge-1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillCancelled || state.FilledQty != 0.25 {
		t.Fatalf("expected cancelled with partial qty, got %+v", state)
	}

	fs.set("GET /fapi/v1/order", 400, `{"code":-2013,"msg":"Order does not exist."}`)
	if _, err := a.OrderStatus(ctx, "BTCUSDT", "hedge-404"); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("DELETE /fapi/v1/order", 400, `{"code":-2011,"msg":"Unknown order sent."}`)
	a := newTestAdapter(fs)

	if err := a.CancelOrder(context.Background(), "BTCUSDT", "hedge-1"); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestFundingRateAndIntervalOverride(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/exchangeInfo", 200, exchangeInfoPayload())
	fs.set("GET /fapi/v1/premiumIndex", 200, map[string]any{"markPrice": "50000.0", "lastFundingRate": "0.00010000", "nextFundingTime": 1700028800000})
	fs.set("GET /fapi/v1/fundingInfo", 200, []any{map[string]any{"symbol": "BTCUSDT", "fundingIntervalHours": 4}})
	a := newTestAdapter(fs)

	rate, err := a.FundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("funding rate error: %v", err)
	}
	if rate.Rate != 0.0001 || rate.IntervalHours != 8 {
		t.Fatalf("expected 0.0001 on the default interval, got %+v", rate)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	rate, err = a.FundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("funding rate error: %v", err)
	}
	if rate.IntervalHours != 4 {
		t.Fatalf("expected interval override 4, got %v", rate.IntervalHours)
	}
}

func TestFundingRateDatedContract(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	a := newTestAdapter(fs)

	_, err := a.FundingRate(context.Background(), "BTCUSDT_251226")
	if !errors.Is(err, venue.ErrUnsupportedFundingQuery) {
		t.Fatalf("expected ErrUnsupportedFundingQuery, got %v", err)
	}
}

func TestPriceMidFromBook(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/ticker/bookTicker", 200, map[string]any{"bidPrice": "49999.0", "askPrice": "50001.0"})
	a := newTestAdapter(fs)

	price, err := a.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("price error: %v", err)
	}
	if price != 50000 {
		t.Fatalf("expected mid 50000, got %v", price)
	}
}

func TestPositionWithMarginRatio(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v2/positionRisk", 200, []any{
		map[string]any{"symbol": "BTCUSDT", "positionAmt": "-0.500", "entryPrice": "50000.0"},
	})
	fs.set("GET /fapi/v2/account", 200, map[string]any{
		"totalMarginBalance": "10000",
		"positions": []any{
			map[string]any{"notional": "-25000"},
			map[string]any{"notional": "0"},
		},
	})
	a := newTestAdapter(fs)

	pos, err := a.Position(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("position error: %v", err)
	}
	if pos.Qty != -0.5 || pos.EntryPrice != 50000 {
		t.Fatalf("expected short 0.5 @ 50000, got %+v", pos)
	}
	if !pos.HasMarginRatio || math.Abs(pos.MarginRatio-0.4) > 1e-9 {
		t.Fatalf("expected margin ratio 0.4, got %+v", pos)
	}
}

func TestFundingHistoryParses(t *testing.T) {
	fs := newFapiServer()
	defer fs.srv.Close()
	fs.set("GET /fapi/v1/fundingRate", 200, []any{
		map[string]any{"fundingRate": "0.0001", "fundingTime": 1700000000000},
		map[string]any{"fundingRate": "-0.0002", "fundingTime": 1700028800000},
	})
	a := newTestAdapter(fs)

	payments, err := a.FundingHistory(context.Background(), "BTCUSDT", time.UnixMilli(1699990000000))
	if err != nil {
		t.Fatalf("funding history error: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
	if payments[0].Rate != 0.0001 || payments[1].Rate != -0.0002 {
		t.Fatalf("unexpected rates: %+v", payments)
	}
	req := fs.last(t, "GET /fapi/v1/fundingRate")
	if req.query.Get("startTime") != "1699990000000" {
		t.Fatalf("expected startTime param, got %q", req.query.Get("startTime"))
	}
}

func newTestAdapter(fs *fapiServer) *Adapter {
	return New(Options{
		BaseURL:   fs.srv.URL,
		APIKey:    testAPIKey,
		APISecret: testAPISecret,
		Log:       zap.NewNop(),
	})
}

func signQuery(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func exchangeInfoPayload() map[string]any {
	return map[string]any{
		"symbols": []any{
			map[string]any{
				"symbol":            "BTCUSDT",
				"contractType":      "PERPETUAL",
				"pricePrecision":    1,
				"quantityPrecision": 3,
				"filters": []any{
					map[string]any{"filterType": "MIN_NOTIONAL", "notional": "100"},
				},
			},
			map[string]any{
				"symbol":            "BTCUSDT_251226",
				"contractType":      "CURRENT_QUARTER",
				"pricePrecision":    1,
				"quantityPrecision": 3,
				"filters":           []any{},
			},
		},
	}
}

type capturedRequest struct {
	apiKey string
	raw    string
	query  url.Values
	form   url.Values
}

type fapiServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string]any
	statuses  map[string]int
	requests  map[string]capturedRequest
}

func newFapiServer() *fapiServer {
	fs := &fapiServer{
		responses: make(map[string]any),
		statuses:  make(map[string]int),
		requests:  make(map[string]capturedRequest),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		raw := r.URL.RawQuery
		form := url.Values{}
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			raw = string(b)
			form, _ = url.ParseQuery(raw)
		}
		query, _ := url.ParseQuery(r.URL.RawQuery)
		if r.Method != http.MethodPost {
			form = query
		}
		fs.mu.Lock()
		fs.requests[key] = capturedRequest{
			apiKey: r.Header.Get("X-MBX-APIKEY"),
			raw:    raw,
			query:  query,
			form:   form,
		}
		resp, ok := fs.responses[key]
		status := fs.statuses[key]
		fs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if s, isRaw := resp.(string); isRaw {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return fs
}

func (fs *fapiServer) set(key string, status int, resp any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.responses[key] = resp
	fs.statuses[key] = status
}

func (fs *fapiServer) last(t *testing.T, key string) capturedRequest {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	req, ok := fs.requests[key]
	if !ok {
		t.Fatalf("no request captured for %s", key)
	}
	return req
}
