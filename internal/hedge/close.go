package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/events"
	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

// close flattens both legs. Both flatten orders go out together; a leg that
// will not die moves the position into recovery rather than leaving the
// other side naked.
func (c *Controller) close(ctx context.Context, now time.Time, pos *ledger.Position, reason string) {
	if !c.shift(now, pos, ledger.StateClosing, reason) {
		return
	}
	pos.CloseReason = reason
	pos.CloseRetries = 0
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist closing state", zap.Error(err))
	}

	var wg sync.WaitGroup
	var errs [2]error
	for i := range pos.Legs {
		if remainingQty(&pos.Legs[i]) <= fillEpsilon {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.closeLeg(ctx, pos, i)
		}(i)
	}
	wg.Wait()

	if legsFlat(pos) {
		c.settle(ctx, pos, "both_legs_closed")
		return
	}
	for i := range errs {
		if errs[i] != nil {
			c.log.Warn("leg close failed",
				zap.String("venue", pos.Legs[i].Venue),
				zap.String("market", pos.Legs[i].Market),
				zap.Error(errs[i]))
		}
	}
	c.enterRecovery(ctx, pos)
}

// closeLeg market-flattens whatever of one leg is still live and folds the
// fill into the leg's exit average. Reduce-only keeps a replayed flatten
// from opening the opposite side.
func (c *Controller) closeLeg(ctx context.Context, pos *ledger.Position, i int) error {
	leg := &pos.Legs[i]
	qty := remainingQty(leg)
	if qty <= fillEpsilon {
		return nil
	}
	req := venue.OrderRequest{
		Market:        leg.Market,
		Instrument:    leg.Instrument,
		Side:          leg.Side.Opposite(),
		Qty:           qty,
		Type:          venue.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: fmt.Sprintf("%s-close-%d-%d", pos.ID, i, time.Now().UnixMilli()),
	}
	ref, err := c.venues[leg.Venue].PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("flatten %s %s: %w", leg.Venue, leg.Market, err)
	}
	st, err := c.awaitFill(ctx, leg.Venue, leg.Market, ref)
	if st.FilledQty > fillEpsilon {
		px := st.AvgPrice
		if px <= 0 {
			px = leg.AvgFillPrice
		}
		prior := leg.ExitQty
		leg.ExitQty += st.FilledQty
		if prior > 0 {
			leg.ExitPrice = (leg.ExitPrice*prior + px*st.FilledQty) / leg.ExitQty
		} else {
			leg.ExitPrice = px
		}
	}
	if err != nil {
		return fmt.Errorf("flatten %s %s: %w", leg.Venue, leg.Market, err)
	}
	if left := remainingQty(leg); left > fillEpsilon {
		return fmt.Errorf("flatten %s %s: %.8f left unfilled", leg.Venue, leg.Market, left)
	}
	return nil
}

// awaitFill polls one order to a terminal status within the close timeout
// and returns the last state it saw.
func (c *Controller) awaitFill(ctx context.Context, venueName, market, ref string) (venue.OrderState, error) {
	deadline := time.Now().Add(c.monitor.CloseTimeout)
	last := venue.OrderState{Status: ledger.FillPending}
	for {
		st, err := c.venues[venueName].OrderStatus(ctx, market, ref)
		if err != nil {
			c.log.Warn("order status poll",
				zap.String("venue", venueName),
				zap.String("order_ref", ref),
				zap.Error(err))
		} else {
			last = st
			switch st.Status {
			case ledger.FillFilled:
				return st, nil
			case ledger.FillFailed, ledger.FillCancelled:
				return st, fmt.Errorf("order %s ended %s with %.8f filled", ref, st.Status, st.FilledQty)
			}
		}
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("order %s still %s after %s", ref, last.Status, c.monitor.CloseTimeout)
		}
		c.sleep(ctx, c.monitor.PollInterval)
	}
}

func (c *Controller) settle(ctx context.Context, pos *ledger.Position, trigger string) {
	now := time.Now().UTC()
	pos.ClosedAt = now
	pos.RealizedPnlUSD = pos.RealizedPnl()
	pos.Held = false
	if !c.shift(now, pos, ledger.StateClosed, trigger) {
		return
	}
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist closed position", zap.Error(err))
	}
	c.metrics.PositionsClosed.Inc()
	c.bus.Publish(events.PositionClosed(now, pos.Symbol, pos.RealizedPnlUSD))
	c.log.Info("position closed",
		zap.String("id", pos.ID),
		zap.String("reason", pos.CloseReason),
		zap.Float64("realized_pnl_usd", pos.RealizedPnlUSD),
		zap.Duration("held_for", pos.HoldDuration(now)))
	c.finalize(ctx, now, pos)
}

// finalize ships the terminal record to the archive, drops it from the
// ledger and returns the machine to IDLE.
func (c *Controller) finalize(ctx context.Context, now time.Time, pos *ledger.Position) {
	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, *pos); err != nil {
			c.log.Warn("archive closed position", zap.Error(err))
		}
	}
	if _, _, err := c.ledger.Archive(ctx, pos.Symbol); err != nil {
		c.log.Error("drop position record", zap.Error(err))
	}
	c.shift(now, pos, ledger.StateIdle, "position_archived")
	c.eval.MarkClosed()
	c.gate.ForgetPrice(pos.Symbol)
	c.metrics.ActivePositions.Set(float64(c.ledger.Len()))
}

func (c *Controller) enterRecovery(ctx context.Context, pos *ledger.Position) {
	now := time.Now().UTC()
	if c.machine.State() == ledger.StateClosing {
		c.shift(now, pos, ledger.StateRecovering, "close_leg_failed")
	}
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist recovering state", zap.Error(err))
	}
	c.recoverLegs(ctx, pos)
}

// recoverLegs retries the stuck close within the configured budget, then
// escalates. Each attempt is persisted before it runs so a crash cannot
// reset the count.
func (c *Controller) recoverLegs(ctx context.Context, pos *ledger.Position) {
	for pos.CloseRetries < c.risk.MaxCloseRetries {
		if ctx.Err() != nil {
			return // a later tick resumes from the persisted state
		}
		pos.CloseRetries++
		if err := c.ledger.Put(ctx, *pos); err != nil {
			c.log.Error("persist close retry count", zap.Error(err))
		}
		c.sleep(ctx, c.monitor.PollInterval)
		for i := range pos.Legs {
			if remainingQty(&pos.Legs[i]) <= fillEpsilon {
				continue
			}
			if err := c.closeLeg(ctx, pos, i); err != nil {
				c.log.Warn("close retry failed",
					zap.Int("attempt", pos.CloseRetries),
					zap.String("venue", pos.Legs[i].Venue),
					zap.Error(err))
			}
		}
		if legsFlat(pos) {
			c.settle(ctx, pos, "close_recovered")
			return
		}
	}
	c.escalate(ctx, pos)
}

// escalate gives up on the automated close. The legs that did flatten are
// bought back so the book is hedged again, the position is handed to the
// operator and reported ACTIVE while held.
func (c *Controller) escalate(ctx context.Context, pos *ledger.Position) {
	now := time.Now().UTC()
	restored := true
	for i := range pos.Legs {
		if pos.Legs[i].ExitQty <= fillEpsilon {
			continue
		}
		if err := c.restoreLeg(ctx, pos, i); err != nil {
			restored = false
			c.log.Error("restore leg failed",
				zap.String("venue", pos.Legs[i].Venue),
				zap.String("market", pos.Legs[i].Market),
				zap.Error(err))
		}
	}
	pos.Held = true
	reason := fmt.Sprintf("close abandoned after %d retries, operator action required", pos.CloseRetries)
	if restored {
		c.shift(now, pos, ledger.StateActive, "recovery_escalated")
	} else {
		reason += "; a closed leg could not be restored"
	}
	if err := c.ledger.Put(ctx, *pos); err != nil {
		c.log.Error("persist held position", zap.Error(err))
	}
	c.metrics.Escalations.Inc()
	c.bus.Publish(events.RecoveryEscalated(now, pos.Symbol, reason))
	c.log.Error("close escalated to operator",
		zap.String("id", pos.ID),
		zap.String("reason", reason))
}

// restoreLeg re-opens a leg that was already flattened during a failed
// close. The round trip out and back lands in corrective cost so the entry
// basis stays at the original fill.
func (c *Controller) restoreLeg(ctx context.Context, pos *ledger.Position, i int) error {
	leg := &pos.Legs[i]
	req := venue.OrderRequest{
		Market:        leg.Market,
		Instrument:    leg.Instrument,
		Side:          leg.Side,
		Qty:           leg.ExitQty,
		Type:          venue.OrderTypeMarket,
		ClientOrderID: fmt.Sprintf("%s-restore-%d-%d", pos.ID, i, time.Now().UnixMilli()),
	}
	ref, err := c.venues[leg.Venue].PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("restore %s %s: %w", leg.Venue, leg.Market, err)
	}
	st, err := c.awaitFill(ctx, leg.Venue, leg.Market, ref)
	if st.FilledQty > fillEpsilon {
		px := st.AvgPrice
		if px <= 0 {
			px = leg.ExitPrice
		}
		pos.CorrectiveCostUSD += leg.Side.Sign() * (px - leg.ExitPrice) * st.FilledQty
		leg.ExitQty -= st.FilledQty
		if leg.ExitQty <= fillEpsilon {
			leg.ExitQty = 0
			leg.ExitPrice = 0
		}
	}
	if err != nil {
		return fmt.Errorf("restore %s %s: %w", leg.Venue, leg.Market, err)
	}
	if leg.ExitQty > fillEpsilon {
		return fmt.Errorf("restore %s %s: %.8f still flat", leg.Venue, leg.Market, leg.ExitQty)
	}
	return nil
}

// resumeClose picks up a close that a crash or context cancellation left
// behind. Held positions wait for the operator.
func (c *Controller) resumeClose(ctx context.Context, now time.Time, pos *ledger.Position) {
	if pos.Held {
		c.log.Warn("position held for operator, skipping automatic close",
			zap.String("state", string(pos.State)))
		return
	}
	if legsFlat(pos) {
		c.settle(ctx, pos, "close_recovered")
		return
	}
	if pos.State == ledger.StateClosing && c.machine.State() == ledger.StateClosing {
		c.shift(now, pos, ledger.StateRecovering, "resume_interrupted_close")
		if err := c.ledger.Put(ctx, *pos); err != nil {
			c.log.Error("persist recovering state", zap.Error(err))
		}
	}
	c.recoverLegs(ctx, pos)
}
