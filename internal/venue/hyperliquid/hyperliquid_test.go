package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

func TestFundingRateFromMeta(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs":     perpMetaPayload(),
		"spotMetaAndAssetCtxs": spotMetaPayload(),
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL})

	rate, err := a.FundingRate(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("funding rate error: %v", err)
	}
	if math.Abs(rate.Rate-0.0000125) > 1e-12 {
		t.Fatalf("expected rate 0.0000125, got %v", rate.Rate)
	}
	if rate.IntervalHours != 1 {
		t.Fatalf("expected hourly funding, got %v", rate.IntervalHours)
	}
	eth, err := a.FundingRate(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("funding rate error: %v", err)
	}
	if math.Abs(eth.Rate+0.00003) > 1e-12 {
		t.Fatalf("expected rate -0.00003, got %v", eth.Rate)
	}
	if _, err := a.FundingRate(context.Background(), "HYPE/USDC"); !errors.Is(err, venue.ErrUnsupportedInstrument) {
		t.Fatalf("expected ErrUnsupportedInstrument for spot market, got %v", err)
	}
}

func TestPriceUsesRESTFallback(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs":     perpMetaPayload(),
		"spotMetaAndAssetCtxs": spotMetaPayload(),
		"allMids":              map[string]any{"BTC": "50000.5", "@7": "30.25"},
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL})

	price, err := a.Price(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("price error: %v", err)
	}
	if price != 50000.5 {
		t.Fatalf("expected 50000.5, got %v", price)
	}
	spot, err := a.Price(context.Background(), "HYPE/USDC")
	if err != nil {
		t.Fatalf("spot price error: %v", err)
	}
	if spot != 30.25 {
		t.Fatalf("expected spot mid 30.25 via raw key, got %v", spot)
	}
	if _, err := a.Price(context.Background(), "DOGE"); err == nil {
		t.Fatalf("expected error for unknown market")
	}
}

func TestPlaceOrderPerpLimit(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs": perpMetaPayload(),
	}, restingReply(77738308))
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, PrivateKey: testPrivateKey})

	ref, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:        "BTC",
		Instrument:    ledger.InstrumentPerpetual,
		Side:          ledger.SideShort,
		Qty:           0.5,
		Type:          venue.OrderTypeLimit,
		Price:         50000,
		ClientOrderID: "1f3e4b6c-9a2d-4c8e-b1a4-567890abcdef",
	})
	if err != nil {
		t.Fatalf("place order error: %v", err)
	}
	if ref != "77738308" {
		t.Fatalf("expected ref 77738308, got %s", ref)
	}
	body := vs.lastExchange(t)
	action, ok := body["action"].(map[string]any)
	if !ok {
		t.Fatalf("missing action in body: %v", body)
	}
	if action["type"] != "order" {
		t.Fatalf("expected order action, got %v", action["type"])
	}
	orders, ok := action["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected one order, got %v", action["orders"])
	}
	order := orders[0].(map[string]any)
	if order["a"] != float64(0) {
		t.Fatalf("expected asset 0 for BTC, got %v", order["a"])
	}
	if order["b"] != false {
		t.Fatalf("expected sell, got %v", order["b"])
	}
	if order["p"] != "50000" || order["s"] != "0.5" {
		t.Fatalf("unexpected price/size: %v / %v", order["p"], order["s"])
	}
	if order["c"] != "0x1f3e4b6c9a2d4c8eb1a4567890abcdef" {
		t.Fatalf("unexpected cloid %v", order["c"])
	}
	if nonce, ok := body["nonce"].(float64); !ok || nonce <= 0 {
		t.Fatalf("expected positive nonce, got %v", body["nonce"])
	}
	if body["vaultAddress"] != nil {
		t.Fatalf("expected nil vault address, got %v", body["vaultAddress"])
	}
}

func TestPlaceOrderMarketAggressesThroughMid(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs": perpMetaPayload(),
		"allMids":          map[string]any{"BTC": "50000.5"},
	}, restingReply(99))
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, PrivateKey: testPrivateKey})

	if _, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:     "BTC",
		Instrument: ledger.InstrumentPerpetual,
		Side:       ledger.SideLong,
		Qty:        0.1,
		Type:       venue.OrderTypeMarket,
	}); err != nil {
		t.Fatalf("place order error: %v", err)
	}
	body := vs.lastExchange(t)
	order := body["action"].(map[string]any)["orders"].([]any)[0].(map[string]any)
	// 50000.5 * 1.005 clamped to 5 significant figures.
	if order["p"] != "50251" {
		t.Fatalf("expected aggressive price 50251, got %v", order["p"])
	}
	tifField := order["t"].(map[string]any)["limit"].(map[string]any)["tif"]
	if tifField != "Ioc" {
		t.Fatalf("expected Ioc for market order, got %v", tifField)
	}
}

func TestPlaceOrderRejectionSurfaced(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs": perpMetaPayload(),
	}, map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{"statuses": []any{map[string]any{"error": "Insufficient margin"}}},
		},
	})
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, PrivateKey: testPrivateKey})

	_, err := a.PlaceOrder(context.Background(), venue.OrderRequest{
		Market:     "BTC",
		Instrument: ledger.InstrumentPerpetual,
		Side:       ledger.SideLong,
		Qty:        0.1,
		Type:       venue.OrderTypeLimit,
		Price:      50000,
	})
	if err == nil || !strings.Contains(err.Error(), "Insufficient margin") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestCancelGoneOrderMapsToNotFound(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs": perpMetaPayload(),
	}, map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "cancel",
			"data": map[string]any{"statuses": []any{map[string]any{"error": "Order was never placed, already canceled, or filled."}}},
		},
	})
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, PrivateKey: testPrivateKey})

	err := a.CancelOrder(context.Background(), "BTC", "123")
	if !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStatusLifecycle(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"userFillsByTime": []any{},
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, WalletAddress: "0xabc"})
	ctx := context.Background()

	vs.setInfo("orderStatus", orderStatusReply("open", "0.5", "0.5"))
	state, err := a.OrderStatus(ctx, "BTC", "111")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillPending || state.FilledQty != 0 {
		t.Fatalf("expected pending flat order, got %+v", state)
	}

	vs.setInfo("orderStatus", orderStatusReply("open", "0.25", "0.5"))
	vs.setInfo("userFillsByTime", []any{
		map[string]any{"oid": 111, "px": "50001", "sz": "0.25", "time": 1700000000000},
	})
	state, err = a.OrderStatus(ctx, "BTC", "111")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillPartial || state.FilledQty != 0.25 || state.AvgPrice != 50001 {
		t.Fatalf("expected partial 0.25@50001, got %+v", state)
	}

	vs.setInfo("orderStatus", orderStatusReply("filled", "0", "0.5"))
	vs.setInfo("userFillsByTime", []any{
		map[string]any{"oid": 111, "px": "50000", "sz": "0.25", "time": 1700000000000},
		map[string]any{"oid": 111, "px": "50002", "sz": "0.25", "time": 1700000001000},
		map[string]any{"oid": 222, "px": "99999", "sz": "1", "time": 1700000002000},
	})
	state, err = a.OrderStatus(ctx, "BTC", "111")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillFilled || state.FilledQty != 0.5 {
		t.Fatalf("expected filled 0.5, got %+v", state)
	}
	if math.Abs(state.AvgPrice-50001) > 1e-9 {
		t.Fatalf("expected avg 50001, got %v", state.AvgPrice)
	}

	vs.setInfo("orderStatus", orderStatusReply("canceled", "0.5", "0.5"))
	state, err = a.OrderStatus(ctx, "BTC", "111")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if state.Status != ledger.FillCancelled {
		t.Fatalf("expected cancelled, got %+v", state)
	}

	vs.setInfo("orderStatus", map[string]any{"status": "unknownOid"})
	if _, err := a.OrderStatus(ctx, "BTC", "404"); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPerpPositionAndMargin(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs":   perpMetaPayload(),
		"clearinghouseState": clearinghousePayload(),
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, WalletAddress: "0xabc"})

	pos, err := a.Position(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("position error: %v", err)
	}
	if pos.Qty != -0.5 || pos.EntryPrice != 50000 {
		t.Fatalf("expected short 0.5 @ 50000, got %+v", pos)
	}
	if !pos.HasMarginRatio || math.Abs(pos.MarginRatio-0.25) > 1e-9 {
		t.Fatalf("expected margin ratio 0.25, got %+v", pos)
	}
	flat, err := a.Position(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("position error: %v", err)
	}
	if flat.Qty != 0 || !flat.HasMarginRatio {
		t.Fatalf("expected flat with account margin, got %+v", flat)
	}
}

func TestSpotPositionBalance(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"metaAndAssetCtxs":       perpMetaPayload(),
		"spotMetaAndAssetCtxs":   spotMetaPayload(),
		"spotClearinghouseState": map[string]any{"balances": []any{map[string]any{"coin": "HYPE", "total": "12.5"}}},
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL, WalletAddress: "0xabc"})

	pos, err := a.Position(context.Background(), "HYPE/USDC")
	if err != nil {
		t.Fatalf("position error: %v", err)
	}
	if pos.Qty != 12.5 || pos.HasMarginRatio {
		t.Fatalf("expected 12.5 base with no margin sample, got %+v", pos)
	}
}

func TestFundingHistoryParses(t *testing.T) {
	vs := newVenueServer(map[string]any{
		"fundingHistory": []any{
			map[string]any{"coin": "BTC", "fundingRate": "0.0000125", "time": 1700000000000},
			map[string]any{"coin": "BTC", "fundingRate": "0.0000135", "time": 1700003600000},
			map[string]any{"coin": "BTC", "premium": "0.0001"},
		},
	}, nil)
	defer vs.srv.Close()
	a := newTestAdapter(t, Options{BaseURL: vs.srv.URL})

	payments, err := a.FundingHistory(context.Background(), "BTC", time.UnixMilli(1699990000000))
	if err != nil {
		t.Fatalf("funding history error: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 parsed payments, got %d", len(payments))
	}
	if payments[1].Rate != 0.0000135 {
		t.Fatalf("expected second rate 0.0000135, got %v", payments[1].Rate)
	}
	if !payments[1].Time.After(payments[0].Time) {
		t.Fatalf("expected increasing timestamps")
	}
}

func TestWireCloid(t *testing.T) {
	uuid := "1f3e4b6c-9a2d-4c8e-b1a4-567890abcdef"
	if got := wireCloid(uuid); got != "0x1f3e4b6c9a2d4c8eb1a4567890abcdef" {
		t.Fatalf("unexpected cloid %s", got)
	}
	hashed := wireCloid("not-hex-at-all")
	if len(hashed) != 34 || !strings.HasPrefix(hashed, "0x") {
		t.Fatalf("expected 128-bit hex, got %s", hashed)
	}
	if hashed != wireCloid("not-hex-at-all") {
		t.Fatalf("expected deterministic hashing")
	}
	if wireCloid("") != "" {
		t.Fatalf("expected empty cloid passthrough")
	}
}

func newTestAdapter(t *testing.T, opts Options) *Adapter {
	t.Helper()
	opts.Log = zap.NewNop()
	a, err := New(opts)
	if err != nil {
		t.Fatalf("adapter init: %v", err)
	}
	return a
}

type venueServer struct {
	srv *httptest.Server

	mu             sync.Mutex
	info           map[string]any
	exchangeResp   map[string]any
	exchangeBodies []map[string]any
}

func newVenueServer(info map[string]any, exchangeResp map[string]any) *venueServer {
	vs := &venueServer{info: info, exchangeResp: exchangeResp}
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			typ, _ := req["type"].(string)
			vs.mu.Lock()
			resp, ok := vs.info[typ]
			vs.mu.Unlock()
			if !ok {
				http.Error(w, "unsupported info type "+typ, http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/exchange":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			vs.mu.Lock()
			vs.exchangeBodies = append(vs.exchangeBodies, body)
			resp := vs.exchangeResp
			vs.mu.Unlock()
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	return vs
}

func (vs *venueServer) setInfo(typ string, resp any) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.info == nil {
		vs.info = make(map[string]any)
	}
	vs.info[typ] = resp
}

func (vs *venueServer) lastExchange(t *testing.T) map[string]any {
	t.Helper()
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if len(vs.exchangeBodies) == 0 {
		t.Fatalf("no exchange request captured")
	}
	return vs.exchangeBodies[len(vs.exchangeBodies)-1]
}

func perpMetaPayload() []any {
	return []any{
		map[string]any{"universe": []any{
			map[string]any{"name": "BTC", "szDecimals": 5},
			map[string]any{"name": "ETH", "szDecimals": 4},
		}},
		[]any{
			map[string]any{"funding": "0.0000125", "oraclePx": "50000.0", "markPx": "50010.0"},
			map[string]any{"funding": "-0.00003", "oraclePx": "3000.0", "markPx": "3001.0"},
		},
	}
}

func spotMetaPayload() []any {
	return []any{
		map[string]any{
			"tokens": []any{
				map[string]any{"name": "USDC", "szDecimals": 8, "index": 0},
				map[string]any{"name": "HYPE", "szDecimals": 2, "index": 1},
			},
			"universe": []any{
				map[string]any{"name": "@7", "tokens": []any{1, 0}, "index": 7},
			},
		},
		[]any{},
	}
}

func clearinghousePayload() map[string]any {
	return map[string]any{
		"marginSummary": map[string]any{
			"accountValue": "10000",
			"totalNtlPos":  "40000",
		},
		"assetPositions": []any{
			map[string]any{"position": map[string]any{"coin": "BTC", "szi": "-0.5", "entryPx": "50000"}},
		},
	}
}

func restingReply(oid int64) map[string]any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{"statuses": []any{map[string]any{"resting": map[string]any{"oid": oid}}}},
		},
	}
}

func orderStatusReply(status, remaining, orig string) map[string]any {
	return map[string]any{
		"status": "order",
		"order": map[string]any{
			"order": map[string]any{
				"coin":    "BTC",
				"limitPx": "50000",
				"sz":      remaining,
				"origSz":  orig,
				"oid":     111,
			},
			"status": status,
		},
	}
}
