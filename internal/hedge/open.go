package hedge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/venue"
)

// open dispatches both entry legs in the same tick and polls them as a
// pair. Whatever is not a clean two-leg fill by the open timeout gets
// unwound.
func (c *Controller) open(ctx context.Context, now time.Time, q [2]legQuote, sides [2]ledger.Side, est strategy.NetYieldEstimate) {
	pos := ledger.Position{
		ID:                 uuid.NewString(),
		Symbol:             c.symbol.Symbol,
		State:              ledger.StateOpening,
		NotionalUSD:        c.symbol.NotionalUSD,
		DeltaTargetUSD:     c.symbol.DeltaTargetUSD,
		RebalanceThreshold: c.symbol.RebalanceThreshold,
		EntryNetDailyUSD:   est.NetDailyUSD,
	}
	for i, legCfg := range c.symbol.Legs {
		pos.Legs[i] = ledger.Leg{
			Venue:        legCfg.Venue,
			Instrument:   ledger.InstrumentKind(legCfg.Instrument),
			Market:       legCfg.Market,
			Side:         sides[i],
			NotionalUSD:  c.symbol.NotionalUSD,
			RequestedQty: c.symbol.NotionalUSD / q[i].price,
			FillStatus:   ledger.FillPending,
		}
	}
	if !c.shift(now, &pos, ledger.StateOpening, "entry_signal") {
		return
	}
	// The record goes down before any order goes out so a crash mid-open
	// is always visible on restart.
	if err := c.ledger.Put(ctx, pos); err != nil {
		c.log.Error("persist entry", zap.Error(err))
		c.shift(now, &pos, ledger.StateIdle, "persist_failed")
		return
	}

	var wg sync.WaitGroup
	for i := range pos.Legs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leg := &pos.Legs[i]
			ref, err := c.placeEntry(ctx, &pos, i, q[i].price)
			if err != nil {
				leg.FillStatus = ledger.FillFailed
				c.log.Error("entry leg placement",
					zap.String("venue", leg.Venue),
					zap.String("market", leg.Market),
					zap.Error(err))
				return
			}
			leg.OrderRef = ref
		}(i)
	}
	wg.Wait()
	if err := c.ledger.Put(ctx, pos); err != nil {
		c.log.Error("persist entry refs", zap.Error(err))
	}

	deadline := now.Add(c.monitor.OpenTimeout)
	if pos.Legs[0].FillStatus == ledger.FillFailed || pos.Legs[1].FillStatus == ledger.FillFailed {
		// One side never made it out; resolve the pair now instead of
		// waiting out the timeout.
		deadline = now
	}
	if c.pollEntry(ctx, &pos, deadline) {
		c.activate(ctx, &pos, est)
		return
	}
	c.unwindOpen(ctx, &pos)
}

func (c *Controller) placeEntry(ctx context.Context, pos *ledger.Position, i int, price float64) (string, error) {
	leg := pos.Legs[i]
	req := venue.OrderRequest{
		Market:        leg.Market,
		Instrument:    leg.Instrument,
		Side:          leg.Side,
		Qty:           leg.RequestedQty,
		Type:          venue.OrderTypeMarket,
		ClientOrderID: fmt.Sprintf("%s-open-%d", pos.ID, i),
	}
	if c.symbol.Legs[i].Maker {
		req.Type = venue.OrderTypeLimit
		req.Price = price
	}
	return c.venues[leg.Venue].PlaceOrder(ctx, req)
}

// pollEntry refreshes both legs until they are filled or the deadline
// passes. It reads at least once even when the deadline is already gone, so
// instant fills are never missed.
func (c *Controller) pollEntry(ctx context.Context, pos *ledger.Position, deadline time.Time) bool {
	for {
		c.refreshFills(ctx, pos)
		if pos.BothLegsFilled() {
			return true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return false
		}
		c.sleep(ctx, c.monitor.PollInterval)
	}
}

func (c *Controller) refreshFills(ctx context.Context, pos *ledger.Position) {
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.OrderRef == "" || leg.Filled() {
			continue
		}
		st, err := c.venues[leg.Venue].OrderStatus(ctx, leg.Market, leg.OrderRef)
		if err != nil {
			c.log.Warn("entry status poll",
				zap.String("venue", leg.Venue),
				zap.String("order_ref", leg.OrderRef),
				zap.Error(err))
			continue
		}
		leg.FilledQty = st.FilledQty
		if st.AvgPrice > 0 {
			leg.AvgFillPrice = st.AvgPrice
		}
		if st.Status != "" {
			leg.FillStatus = st.Status
		}
	}
}

func (c *Controller) activate(ctx context.Context, pos *ledger.Position, est strategy.NetYieldEstimate) {
	now := time.Now().UTC()
	pos.OpenedAt = now
	if !c.shift(now, pos, ledger.StateActive, "both_legs_filled") {
		return
	}
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist active position", zap.Error(err))
	}
	c.eval.MarkOpened(est)
	c.metrics.PositionsOpened.Inc()
	c.metrics.ActivePositions.Set(float64(c.ledger.Len()))
	c.log.Info("hedge active",
		zap.String("id", pos.ID),
		zap.Float64("entry_net_daily_usd", pos.EntryNetDailyUSD),
		zap.Float64("leverage", c.symbol.Leverage),
		zap.Float64("qty_a", pos.Legs[0].FilledQty),
		zap.Float64("qty_b", pos.Legs[1].FilledQty))
}

// unwindOpen resolves an open that did not complete: cancel whatever is
// still working, then market-flatten any fills so no single-sided exposure
// survives the tick.
func (c *Controller) unwindOpen(ctx context.Context, pos *ledger.Position) {
	now := time.Now().UTC()
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.OrderRef == "" || leg.Filled() {
			continue
		}
		err := c.venues[leg.Venue].CancelOrder(ctx, leg.Market, leg.OrderRef)
		if err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			c.log.Warn("cancel entry order",
				zap.String("venue", leg.Venue),
				zap.String("order_ref", leg.OrderRef),
				zap.Float64("unfilled_qty", leg.RemainingQty()),
				zap.Error(err))
		}
	}
	// Cancels race in-flight fills; read the books once more before
	// deciding whether anything needs flattening.
	c.refreshFills(ctx, pos)

	if !pos.Legs[0].HasFill() && !pos.Legs[1].HasFill() {
		switch c.machine.State() {
		case ledger.StateOpening:
			c.shift(now, pos, ledger.StateIdle, "open_timeout")
		case ledger.StateRollingBack:
			c.shift(now, pos, ledger.StateIdle, "orphan_flattened")
		}
		c.log.Info("entry cancelled, nothing filled", zap.String("id", pos.ID))
		c.discard(ctx, pos, false)
		return
	}

	orphan := orphanLabel(pos)
	if c.machine.State() == ledger.StateOpening {
		c.shift(now, pos, ledger.StateRollingBack, "open_timeout_orphan")
		if err := c.ledger.Put(ctx, *pos); err != nil {
			c.log.Error("persist rollback state", zap.Error(err))
		}
	}
	for i := range pos.Legs {
		if !pos.Legs[i].HasFill() {
			continue
		}
		if err := c.closeLeg(ctx, pos, i); err != nil {
			c.log.Error("orphan flatten incomplete",
				zap.String("venue", pos.Legs[i].Venue),
				zap.String("market", pos.Legs[i].Market),
				zap.Error(err))
		}
	}

	now = time.Now().UTC()
	cost := -pos.RealizedPnl()
	pos.ClosedAt = now
	pos.CloseReason = "open_timeout"
	pos.RealizedPnlUSD = pos.RealizedPnl()
	c.metrics.Rollbacks.Inc()
	c.bus.Publish(events.RollbackExecuted(now, pos.Symbol, orphan, "open_timeout", cost))
	c.log.Warn("rolled back one-sided entry",
		zap.String("orphan_leg", orphan),
		zap.Float64("cost_usd", cost))
	c.shift(now, pos, ledger.StateIdle, "orphan_flattened")
	c.discard(ctx, pos, true)
}

// discard drops a position that never reached ACTIVE. Rolled-back entries
// still go to the archive so their cost is auditable.
func (c *Controller) discard(ctx context.Context, pos *ledger.Position, archive bool) {
	if archive && c.archiver != nil {
		if err := c.archiver.Archive(ctx, *pos); err != nil {
			c.log.Warn("archive rolled-back position", zap.Error(err))
		}
	}
	if _, _, err := c.ledger.Archive(ctx, pos.Symbol); err != nil {
		c.log.Error("drop position record", zap.Error(err))
	}
	c.eval.MarkClosed()
	c.gate.ForgetPrice(pos.Symbol)
	c.metrics.ActivePositions.Set(float64(c.ledger.Len()))
}

func orphanLabel(pos *ledger.Position) string {
	parts := make([]string, 0, 2)
	for _, leg := range pos.Legs {
		if leg.HasFill() {
			parts = append(parts, leg.Venue+":"+leg.Market)
		}
	}
	return strings.Join(parts, ",")
}
