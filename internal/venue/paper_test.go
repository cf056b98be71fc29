package venue

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
)

func TestPaperFillsImmediatelyAtRequestedPrice(t *testing.T) {
	paper := NewPaper(&stubAdapter{}, zap.NewNop())
	ctx := context.Background()
	ref, err := paper.PlaceOrder(ctx, OrderRequest{
		Market: "BTC",
		Side:   ledger.SideLong,
		Qty:    0.5,
		Type:   OrderTypeLimit,
		Price:  49000,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	st, err := paper.OrderStatus(ctx, "BTC", ref)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != ledger.FillFilled || st.FilledQty != 0.5 || st.AvgPrice != 49000 {
		t.Fatalf("unexpected fill: %#v", st)
	}
}

func TestPaperMarketOrderFillsAtLiveMid(t *testing.T) {
	paper := NewPaper(&stubAdapter{}, zap.NewNop())
	ref, err := paper.PlaceOrder(context.Background(), OrderRequest{
		Market: "BTC",
		Side:   ledger.SideShort,
		Qty:    1,
		Type:   OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	st, _ := paper.OrderStatus(context.Background(), "BTC", ref)
	if st.AvgPrice != 50000 {
		t.Fatalf("expected live mid 50000, got %f", st.AvgPrice)
	}
}

func TestPaperTracksSyntheticPosition(t *testing.T) {
	paper := NewPaper(&stubAdapter{}, zap.NewNop())
	ctx := context.Background()
	paper.PlaceOrder(ctx, OrderRequest{Market: "BTC", Side: ledger.SideLong, Qty: 1, Type: OrderTypeLimit, Price: 50000})
	pos, err := paper.Position(ctx, "BTC")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Qty != 1 || pos.EntryPrice != 50000 {
		t.Fatalf("unexpected position: %#v", pos)
	}
	if pos.HasMarginRatio {
		t.Fatalf("paper positions must not report margin")
	}
	paper.PlaceOrder(ctx, OrderRequest{Market: "BTC", Side: ledger.SideShort, Qty: 1, Type: OrderTypeMarket, ReduceOnly: true})
	pos, _ = paper.Position(ctx, "BTC")
	if pos.Qty != 0 {
		t.Fatalf("expected flat position, got %f", pos.Qty)
	}
}

func TestPaperUnknownOrder(t *testing.T) {
	paper := NewPaper(&stubAdapter{}, zap.NewNop())
	if _, err := paper.OrderStatus(context.Background(), "BTC", "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if err := paper.CancelOrder(context.Background(), "BTC", "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPaperDelegatesReads(t *testing.T) {
	live := &stubAdapter{funding: FundingRate{Rate: 0.0002, IntervalHours: 8}}
	paper := NewPaper(live, zap.NewNop())
	if paper.Name() != "stub-paper" {
		t.Fatalf("unexpected name %q", paper.Name())
	}
	rate, err := paper.FundingRate(context.Background(), "BTC")
	if err != nil || rate.Rate != 0.0002 {
		t.Fatalf("expected delegated funding, got %v %v", rate, err)
	}
	price, err := paper.Price(context.Background(), "BTC")
	if err != nil || price != 50000 {
		t.Fatalf("expected delegated price, got %v %v", price, err)
	}
}
