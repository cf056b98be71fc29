package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.Rollbacks.Inc()
	prom.Metrics.Rebalances.Inc()
	prom.Metrics.RiskExits.Inc()
	prom.Metrics.Escalations.Inc()
	prom.Metrics.TicksSkipped.Inc()

	assertCounter(t, prom.ordersPlaced, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.positionsOpened, 1)
	assertCounter(t, prom.positionsClosed, 1)
	assertCounter(t, prom.rollbacks, 1)
	assertCounter(t, prom.rebalances, 1)
	assertCounter(t, prom.riskExits, 1)
	assertCounter(t, prom.escalations, 1)
	assertCounter(t, prom.ticksSkipped, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.ActivePositions.Set(2)
	if got := testutil.ToFloat64(prom.activePositions); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
	prom.Metrics.NetDailyUSD.Set("BTC", 14.5)
	if got := testutil.ToFloat64(prom.netDaily.WithLabelValues("BTC")); got != 14.5 {
		t.Fatalf("expected 14.5, got %v", got)
	}
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
