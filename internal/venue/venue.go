package venue

import (
	"context"
	"errors"
	"time"

	"funding-arb-bot/internal/ledger"
)

var (
	// ErrUnsupportedFundingQuery marks venues without a direct funding-rate
	// endpoint; callers fall back to deriving from funding history.
	ErrUnsupportedFundingQuery = errors.New("funding rate query unsupported")
	ErrUnsupportedInstrument   = errors.New("instrument not supported on this venue")
	ErrOrderNotFound           = errors.New("order not found")
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderRequest struct {
	Market        string
	Instrument    ledger.InstrumentKind
	Side          ledger.Side
	Qty           float64
	Type          OrderType
	Price         float64 // limit orders only
	ReduceOnly    bool
	ClientOrderID string
}

// OrderState is the venue's answer to a status poll.
type OrderState struct {
	Status    ledger.FillStatus
	FilledQty float64
	AvgPrice  float64
}

type FundingRate struct {
	Rate          float64
	IntervalHours float64
}

// PositionInfo reports the venue-side position for one market. Qty is
// signed: positive long, negative short.
type PositionInfo struct {
	Qty            float64
	EntryPrice     float64
	MarginRatio    float64
	HasMarginRatio bool
}

// Adapter is the per-venue capability set the hedge machine consumes. All
// calls are synchronous and must honor ctx deadlines.
type Adapter interface {
	Name() string
	Price(ctx context.Context, market string) (float64, error)
	FundingRate(ctx context.Context, market string) (FundingRate, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, market, orderRef string) (OrderState, error)
	CancelOrder(ctx context.Context, market, orderRef string) error
	Position(ctx context.Context, market string) (PositionInfo, error)
}

// FundingHistorian is implemented by adapters that can report past funding
// settlements, enabling the derivation fallback.
type FundingHistorian interface {
	FundingHistory(ctx context.Context, market string, since time.Time) ([]FundingPayment, error)
}

type FundingPayment struct {
	Time time.Time
	Rate float64
}
