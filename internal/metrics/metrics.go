package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// LabeledGauge keys a gauge by symbol.
type LabeledGauge interface {
	Set(symbol string, value float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	PositionsOpened Counter
	PositionsClosed Counter
	Rollbacks       Counter
	Rebalances      Counter
	RiskExits       Counter
	Escalations     Counter
	TicksSkipped    Counter
	ActivePositions Gauge
	NetDailyUSD     LabeledGauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopLabeledGauge struct{}

func (noopLabeledGauge) Set(string, float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		PositionsOpened: n,
		PositionsClosed: n,
		Rollbacks:       n,
		Rebalances:      n,
		RiskExits:       n,
		Escalations:     n,
		TicksSkipped:    n,
		ActivePositions: noopGauge{},
		NetDailyUSD:     noopLabeledGauge{},
	}
}
