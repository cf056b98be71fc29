package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promLabeledGauge struct {
	vec *prometheus.GaugeVec
}

func (p promLabeledGauge) Set(symbol string, v float64) {
	p.vec.WithLabelValues(symbol).Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	rollbacks       prometheus.Counter
	rebalances      prometheus.Counter
	riskExits       prometheus.Counter
	escalations     prometheus.Counter
	ticksSkipped    prometheus.Counter
	activePositions prometheus.Gauge
	netDaily        *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	ordersPlaced := counter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := counter("orders_failed_total", "Total number of order placement failures.")
	positionsOpened := counter("positions_opened_total", "Total number of hedges opened.")
	positionsClosed := counter("positions_closed_total", "Total number of hedges closed.")
	rollbacks := counter("rollbacks_total", "Total number of orphan-leg rollbacks.")
	rebalances := counter("rebalances_total", "Total number of rebalance trades.")
	riskExits := counter("risk_exits_total", "Total number of risk-forced exits.")
	escalations := counter("recovery_escalations_total", "Total number of close-recovery escalations.")
	ticksSkipped := counter("ticks_skipped_total", "Total number of ticks refused by the re-entrancy guard.")
	activePositions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "active_positions",
		Help:      "Number of live positions in the ledger.",
	})
	netDaily := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "net_daily_yield_usd",
		Help:      "Latest net daily yield estimate per symbol.",
	}, []string{"symbol"})

	registry.MustRegister(
		ordersPlaced, ordersFailed, positionsOpened, positionsClosed,
		rollbacks, rebalances, riskExits, escalations, ticksSkipped,
		activePositions, netDaily,
	)

	m := &Metrics{
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		PositionsOpened: promCounter{positionsOpened},
		PositionsClosed: promCounter{positionsClosed},
		Rollbacks:       promCounter{rollbacks},
		Rebalances:      promCounter{rebalances},
		RiskExits:       promCounter{riskExits},
		Escalations:     promCounter{escalations},
		TicksSkipped:    promCounter{ticksSkipped},
		ActivePositions: promGauge{activePositions},
		NetDailyUSD:     promLabeledGauge{netDaily},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		positionsOpened: positionsOpened,
		positionsClosed: positionsClosed,
		rollbacks:       rollbacks,
		rebalances:      rebalances,
		riskExits:       riskExits,
		escalations:     escalations,
		ticksSkipped:    ticksSkipped,
		activePositions: activePositions,
		netDaily:        netDaily,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
