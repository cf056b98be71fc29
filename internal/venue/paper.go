package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
)

// Paper wraps a live adapter for observer mode: reads pass through, order
// placement only logs the intent and synthesizes an immediate fill at the
// requested price. The hedge machine runs the same code either way.
type Paper struct {
	live Adapter
	log  *zap.Logger

	mu        sync.Mutex
	seq       int
	orders    map[string]OrderState
	positions map[string]PositionInfo
}

func NewPaper(live Adapter, log *zap.Logger) *Paper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Paper{
		live:      live,
		log:       log,
		orders:    make(map[string]OrderState),
		positions: make(map[string]PositionInfo),
	}
}

func (p *Paper) Name() string {
	return p.live.Name() + "-paper"
}

func (p *Paper) Price(ctx context.Context, market string) (float64, error) {
	return p.live.Price(ctx, market)
}

func (p *Paper) FundingRate(ctx context.Context, market string) (FundingRate, error) {
	return p.live.FundingRate(ctx, market)
}

func (p *Paper) FundingHistory(ctx context.Context, market string, since time.Time) ([]FundingPayment, error) {
	historian, ok := p.live.(FundingHistorian)
	if !ok {
		return nil, ErrUnsupportedFundingQuery
	}
	return historian.FundingHistory(ctx, market, since)
}

// PlaceOrder fills instantly at the requested price; market orders fill at
// the live mid so the synthetic book stays honest.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	price := req.Price
	if req.Type == OrderTypeMarket || price == 0 {
		mid, err := p.live.Price(ctx, req.Market)
		if err != nil {
			return "", err
		}
		price = mid
	}

	p.mu.Lock()
	p.seq++
	ref := fmt.Sprintf("paper-%d", p.seq)
	p.orders[ref] = OrderState{Status: ledger.FillFilled, FilledQty: req.Qty, AvgPrice: price}
	pos := p.positions[req.Market]
	signed := req.Side.Sign() * req.Qty
	if pos.Qty == 0 {
		pos.EntryPrice = price
	}
	pos.Qty += signed
	p.positions[req.Market] = pos
	p.mu.Unlock()

	p.log.Info("paper order",
		zap.String("venue", p.live.Name()),
		zap.String("market", req.Market),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", price),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("ref", ref),
	)
	return ref, nil
}

func (p *Paper) OrderStatus(ctx context.Context, market, orderRef string) (OrderState, error) {
	_ = ctx
	_ = market
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderRef]
	if !ok {
		return OrderState{}, ErrOrderNotFound
	}
	return st, nil
}

func (p *Paper) CancelOrder(ctx context.Context, market, orderRef string) error {
	_ = ctx
	_ = market
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderRef]
	if !ok {
		return ErrOrderNotFound
	}
	if st.Status != ledger.FillFilled {
		st.Status = ledger.FillCancelled
		p.orders[orderRef] = st
	}
	return nil
}

// Position reports the synthetic book, not the live account, so observer
// mode sees the fills it made. No margin sample: the risk gate's margin
// check stays quiet on paper.
func (p *Paper) Position(ctx context.Context, market string) (PositionInfo, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[market], nil
}
